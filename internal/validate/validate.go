// Package validate holds the hard gating rules a ticket must pass before any
// automated work starts. Everything here is pure: no I/O, no clock.
package validate

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"shipline/internal/config"
	"shipline/internal/domain"
)

// DefaultMinSummaryLength is the minimum the generated config ships with.
const DefaultMinSummaryLength = 8

// RepoLabelPrefix lets a ticket pick its target repository with a label
// such as "repo:acme/api".
const RepoLabelPrefix = "repo:"

type Rules struct {
	ReadyStatus            string
	MinSummaryLength       int
	BlockingLabels         []string
	RequireAutomationLabel bool
	AutomationLabel        string
	DefaultRepo            string
}

// RulesFromConfig lifts the gating rules out of cfg.
func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		ReadyStatus:            cfg.Tracker.ReadyStatus,
		MinSummaryLength:       cfg.Rules.MinSummaryLength,
		BlockingLabels:         cfg.Rules.BlockingLabels,
		RequireAutomationLabel: cfg.Rules.RequireAutomationLabel,
		AutomationLabel:        cfg.Rules.AutomationLabel,
		DefaultRepo:            cfg.Repository.Default,
	}
}

// Result is the outcome of Validate. Blockers keep rule order.
type Result struct {
	Passed             bool     `json:"passed"`
	Blockers           []string `json:"blockers"`
	Summary            string   `json:"summary"`
	Description        string   `json:"description"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	TargetRepo         string   `json:"target_repo,omitempty"`
}

// Reason joins the blockers the way tracker comments show them.
func (r Result) Reason() string {
	return strings.Join(r.Blockers, "; ")
}

// Validate evaluates every rule against t and collects all blockers.
func Validate(t domain.Ticket, rules Rules) Result {
	res := Result{
		Summary:            Normalize(t.Summary),
		Description:        Normalize(t.Description),
		AcceptanceCriteria: ExtractAcceptanceCriteria(t.AcceptanceCriteria, t.Description),
		TargetRepo:         ResolveRepo(t.Labels, rules.DefaultRepo),
		Blockers:           []string{},
	}
	labels := lowerSet(t.Labels)

	if t.Status != rules.ReadyStatus {
		res.Blockers = append(res.Blockers, fmt.Sprintf("Status is %q (expected %q)", t.Status, rules.ReadyStatus))
	}

	// A zero minimum only requires a summary to be present.
	minLen := rules.MinSummaryLength
	switch n := utf8.RuneCountInString(res.Summary); {
	case n == 0:
		res.Blockers = append(res.Blockers, "Missing Summary")
	case n < minLen:
		res.Blockers = append(res.Blockers, fmt.Sprintf("too-short Summary (%d characters, minimum %d)", n, minLen))
	}

	if res.Description == "" {
		res.Blockers = append(res.Blockers, "Missing Description")
	}
	if res.AcceptanceCriteria == "" {
		res.Blockers = append(res.Blockers, "Missing Acceptance Criteria")
	}

	var blocking []string
	for _, l := range rules.BlockingLabels {
		l = strings.ToLower(strings.TrimSpace(l))
		if _, ok := labels[l]; ok {
			blocking = append(blocking, l)
		}
	}
	if len(blocking) > 0 {
		sort.Strings(blocking)
		blocking = dedupeSorted(blocking)
		res.Blockers = append(res.Blockers, "Blocking label(s) present: "+strings.Join(blocking, ", "))
	}

	if rules.RequireAutomationLabel {
		want := strings.ToLower(strings.TrimSpace(rules.AutomationLabel))
		if _, ok := labels[want]; !ok {
			res.Blockers = append(res.Blockers, fmt.Sprintf("Missing automation label %q", want))
		}
	}

	if res.TargetRepo == "" {
		res.Blockers = append(res.Blockers, "Missing target repository mapping")
	}

	res.Passed = len(res.Blockers) == 0
	return res
}

// ResolveRepo returns the repository named by a "repo:" label, else def.
// Malformed labels are ignored.
func ResolveRepo(labels []string, def string) string {
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if len(l) <= len(RepoLabelPrefix) || !strings.EqualFold(l[:len(RepoLabelPrefix)], RepoLabelPrefix) {
			continue
		}
		candidate := l[len(RepoLabelPrefix):]
		if _, _, err := config.SplitRepo(candidate); err == nil {
			return candidate
		}
	}
	if _, _, err := config.SplitRepo(def); err == nil {
		return strings.TrimSpace(def)
	}
	return ""
}

func lowerSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return set
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
