// Package proposal turns generator output into a typed domain.Proposal.
package proposal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"shipline/internal/config"
	"shipline/internal/domain"
)

var (
	// ErrMalformed marks output that does not satisfy the proposal schema.
	// It is never retried.
	ErrMalformed = errors.New("malformed proposal")
	// ErrTransient marks a provider failure worth retrying in place.
	ErrTransient = errors.New("transient generator failure")
)

type envelope struct {
	Kind    string          `json:"kind"`
	Summary string          `json:"summary"`
	Payload json.RawMessage `json:"payload"`
	Quality *domain.Quality `json:"quality"`
}

// Parse decodes raw model output. A surrounding markdown code fence is
// tolerated; unknown fields, trailing data and schema violations are not.
func Parse(raw string) (domain.Proposal, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformed)
	}
	var env envelope
	if err := decodeStrict([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Kind {
	case domain.ProposalKindGitHubPR:
		return parseGitHubPR(env)
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrMalformed, env.Kind)
	}
}

func parseGitHubPR(env envelope) (domain.Proposal, error) {
	if strings.TrimSpace(env.Summary) == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrMalformed)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	var p domain.GitHubPRPayload
	if err := decodeStrict(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if _, _, err := config.SplitRepo(p.Repo); err != nil {
		return nil, fmt.Errorf("%w: payload.repo: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(p.PRTitle) == "" {
		return nil, fmt.Errorf("%w: missing payload.prTitle", ErrMalformed)
	}
	if strings.TrimSpace(p.CommitMessage) == "" {
		return nil, fmt.Errorf("%w: missing payload.commitMessage", ErrMalformed)
	}
	if p.BranchName != "" {
		if err := checkBranchName(p.BranchName); err != nil {
			return nil, fmt.Errorf("%w: payload.branchName: %v", ErrMalformed, err)
		}
	}
	if len(p.Files) == 0 {
		return nil, fmt.Errorf("%w: payload.files is empty", ErrMalformed)
	}
	seen := make(map[string]struct{}, len(p.Files))
	for i, f := range p.Files {
		if err := checkPath(f.Path); err != nil {
			return nil, fmt.Errorf("%w: payload.files[%d]: %v", ErrMalformed, i, err)
		}
		if _, dup := seen[f.Path]; dup {
			return nil, fmt.Errorf("%w: payload.files[%d]: duplicate path %q", ErrMalformed, i, f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	q := env.Quality
	if q == nil {
		return nil, fmt.Errorf("%w: missing quality", ErrMalformed)
	}
	lists := []struct {
		name  string
		items []string
	}{
		{"assumptions", q.Assumptions},
		{"risks", q.Risks},
		{"testPlan", q.TestPlan},
		{"rollbackPlan", q.RollbackPlan},
	}
	for _, l := range lists {
		if l.items == nil {
			return nil, fmt.Errorf("%w: missing quality.%s", ErrMalformed, l.name)
		}
	}
	return domain.GitHubPRProposal{Summary: env.Summary, Payload: p, Quality: *q}, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

// stripFence removes one ```json ... ``` wrapper if present.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	s = strings.TrimSpace(s[nl+1:])
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// checkPath accepts clean, relative, slash-separated paths inside the
// repository and outside .git.
func checkPath(p string) error {
	switch {
	case strings.TrimSpace(p) == "":
		return errors.New("empty path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute path %q", p)
	case strings.Contains(p, `\`):
		return fmt.Errorf("backslash in path %q", p)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("NUL in path %q", p)
	case path.Clean(p) != p:
		return fmt.Errorf("path %q is not clean", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path %q escapes the repository", p)
	case p == ".git" || strings.HasPrefix(p, ".git/"):
		return fmt.Errorf("path %q is inside .git", p)
	}
	return nil
}

func checkBranchName(b string) error {
	if strings.ContainsAny(b, " ~^:?*[\\\t\n") {
		return fmt.Errorf("invalid character in %q", b)
	}
	if strings.Contains(b, "..") || strings.Contains(b, "//") || strings.Contains(b, "@{") {
		return fmt.Errorf("invalid sequence in %q", b)
	}
	if strings.HasPrefix(b, "/") || strings.HasSuffix(b, "/") || strings.HasSuffix(b, ".lock") || strings.HasPrefix(b, "-") {
		return fmt.Errorf("invalid branch name %q", b)
	}
	return nil
}
