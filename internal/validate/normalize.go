package validate

import (
	"regexp"
	"strings"
)

var (
	inlineSpace = regexp.MustCompile(`[ \t\f\v]+`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)

	acHeading = regexp.MustCompile(`(?i)^(?:#{1,6}\s*)?(?:[*_]{1,2})?\s*acceptance\s+criteria\s*(?:[*_]{1,2})?\s*:?\s*(?:[*_]{1,2})?\s*(.*)$`)
	mdHeading = regexp.MustCompile(`^#{1,6}\s+\S`)
	// "Notes:" or "**Out of scope:**" on a line of their own.
	titleLine = regexp.MustCompile(`^(?:[*_]{1,2})?[A-Z][A-Za-z0-9 /&()'-]{0,60}:(?:[*_]{1,2})?$`)
)

// Normalize unifies line endings, trims every line, collapses inline
// whitespace and runs of blank lines, and trims the result. Two texts that
// differ only in formatting noise normalize to the same string.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// ExtractAcceptanceCriteria prefers the dedicated field and falls back to
// the "Acceptance Criteria" section of the description. The section runs
// until the next heading line or the end of the text.
func ExtractAcceptanceCriteria(field, description string) string {
	if ac := Normalize(field); ac != "" {
		return ac
	}
	desc := Normalize(description)
	if desc == "" {
		return ""
	}
	lines := strings.Split(desc, "\n")
	for i, line := range lines {
		m := acHeading.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var section []string
		if inline := strings.TrimSpace(m[1]); inline != "" {
			section = append(section, inline)
		}
		for _, next := range lines[i+1:] {
			if isHeading(next) {
				break
			}
			section = append(section, next)
		}
		return Normalize(strings.Join(section, "\n"))
	}
	return ""
}

func isHeading(line string) bool {
	return mdHeading.MatchString(line) || titleLine.MatchString(line)
}
