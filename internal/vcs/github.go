// Package vcs opens pull requests on GitHub through the git data API, so a
// change lands as exactly one commit without a local checkout.
package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shipline/internal/config"
	"shipline/internal/domain"
)

const (
	// DefaultAPIEndpoint is the public GitHub REST API.
	DefaultAPIEndpoint = "https://api.github.com"
	// ProvenanceLabel marks pull requests opened by shipline.
	ProvenanceLabel = "shipline-automation"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxResponseSize   = 10 * 1024 * 1024
)

var (
	ErrBranchExists = errors.New("branch already exists")
	ErrNoPRURL      = errors.New("pull request response has no url")
)

// Mutator creates a branch, one commit and a pull request for a change.
type Mutator interface {
	CreateChange(ctx context.Context, req domain.ChangeRequest) (domain.ChangeResult, error)
}

// APIError is a non-2xx GitHub response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	rateLimit  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *APIError) retryable() bool {
	return e.rateLimit || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	Token   string
	BaseURL string
	// BaseBranch overrides the repository default branch when set.
	BaseBranch string
	// Labels are applied to every pull request on top of the request's own.
	Labels     []string
	HTTPClient *http.Client
	MaxRetries uint64
	NewBackOff func() backoff.BackOff
}

func New(cfg *config.Config) *Client {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.Repository.APIURL), "/")
	if base == "" {
		base = DefaultAPIEndpoint
	}
	return &Client{
		Token:      cfg.Secrets.GitHubToken,
		BaseURL:    base,
		BaseBranch: strings.TrimSpace(cfg.Repository.BaseBranch),
		Labels:     cfg.Repository.Labels,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	if c.NewBackOff != nil {
		b = c.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Second
		eb.MaxElapsedTime = time.Minute
		b = eb
	}
	retries := c.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	return backoff.WithMaxRetries(b, retries)
}

type repoRef struct {
	owner string
	name  string
}

func (r repoRef) path(suffix string) string {
	return "/repos/" + url.PathEscape(r.owner) + "/" + url.PathEscape(r.name) + suffix
}

// CreateChange resolves the base head, creates the branch, writes one blob
// per file, one tree and one commit, moves the branch to it, opens the pull
// request and labels it. A labeling failure comes back together with the opened
// pull request in the result.
func (c *Client) CreateChange(ctx context.Context, req domain.ChangeRequest) (domain.ChangeResult, error) {
	owner, name, err := config.SplitRepo(req.Repo)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	if strings.TrimSpace(req.BranchName) == "" {
		return domain.ChangeResult{}, errors.New("change request has no branch name")
	}
	if len(req.Files) == 0 {
		return domain.ChangeResult{}, errors.New("change request has no files")
	}
	repo := repoRef{owner: owner, name: name}
	res := domain.ChangeResult{Owner: owner, Repo: name, Head: req.BranchName}

	base := c.BaseBranch
	if base == "" {
		if base, err = c.defaultBranch(ctx, repo); err != nil {
			return res, err
		}
	}
	res.Base = base

	baseSHA, err := c.refSHA(ctx, repo, base)
	if err != nil {
		return res, fmt.Errorf("resolve base %s: %w", base, err)
	}
	baseTree, err := c.commitTree(ctx, repo, baseSHA)
	if err != nil {
		return res, err
	}
	if err := c.createBranch(ctx, repo, req.BranchName, baseSHA); err != nil {
		return res, err
	}

	entries := make([]treeEntry, 0, len(req.Files))
	for _, f := range req.Files {
		sha, err := c.createBlob(ctx, repo, f.Content)
		if err != nil {
			return res, fmt.Errorf("blob %s: %w", f.Path, err)
		}
		entries = append(entries, treeEntry{Path: f.Path, Mode: "100644", Type: "blob", SHA: sha})
	}
	treeSHA, err := c.createTree(ctx, repo, baseTree, entries)
	if err != nil {
		return res, err
	}
	commitSHA, err := c.createCommit(ctx, repo, req.CommitMessage, treeSHA, baseSHA)
	if err != nil {
		return res, err
	}
	if err := c.updateRef(ctx, repo, req.BranchName, commitSHA); err != nil {
		return res, err
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err = c.do(ctx, "create pull request", http.MethodPost, repo.path("/pulls"), map[string]any{
		"title": req.PRTitle,
		"head":  req.BranchName,
		"base":  base,
		"body":  req.PRBody,
	}, &pr)
	if err != nil {
		return res, err
	}
	if pr.HTMLURL == "" {
		return res, ErrNoPRURL
	}
	res.PRURL = pr.HTMLURL
	res.PRNumber = pr.Number

	if labels := mergeLabels(req.Labels, c.Labels); len(labels) > 0 {
		path := repo.path(fmt.Sprintf("/issues/%d/labels", pr.Number))
		if err := c.do(ctx, "add labels", http.MethodPost, path, map[string]any{"labels": labels}, nil); err != nil {
			return res, fmt.Errorf("label pull request %d: %w", pr.Number, err)
		}
	}
	return res, nil
}

func (c *Client) defaultBranch(ctx context.Context, repo repoRef) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, "get repository", http.MethodGet, repo.path(""), nil, &out); err != nil {
		return "", err
	}
	if out.DefaultBranch == "" {
		return "", fmt.Errorf("repository %s/%s reports no default branch", repo.owner, repo.name)
	}
	return out.DefaultBranch, nil
}

type gitObject struct {
	SHA string `json:"sha"`
}

func (c *Client) refSHA(ctx context.Context, repo repoRef, branch string) (string, error) {
	var out struct {
		Object gitObject `json:"object"`
	}
	if err := c.do(ctx, "get ref", http.MethodGet, repo.path("/git/ref/heads/"+escapeRef(branch)), nil, &out); err != nil {
		return "", err
	}
	if out.Object.SHA == "" {
		return "", fmt.Errorf("ref heads/%s has no sha", branch)
	}
	return out.Object.SHA, nil
}

func (c *Client) commitTree(ctx context.Context, repo repoRef, sha string) (string, error) {
	var out struct {
		Tree gitObject `json:"tree"`
	}
	if err := c.do(ctx, "get commit", http.MethodGet, repo.path("/git/commits/"+sha), nil, &out); err != nil {
		return "", err
	}
	return out.Tree.SHA, nil
}

// createBranch tolerates a branch left by an earlier attempt as long as it
// still points at the base commit.
func (c *Client) createBranch(ctx context.Context, repo repoRef, branch, sha string) error {
	err := c.do(ctx, "create ref", http.MethodPost, repo.path("/git/refs"), map[string]any{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}, nil)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return err
	}
	existing, getErr := c.refSHA(ctx, repo, branch)
	if getErr != nil {
		return err
	}
	if existing != sha {
		return fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}
	return nil
}

func (c *Client) createBlob(ctx context.Context, repo repoRef, content string) (string, error) {
	var out gitObject
	err := c.do(ctx, "create blob", http.MethodPost, repo.path("/git/blobs"), map[string]any{
		"content":  content,
		"encoding": "utf-8",
	}, &out)
	return out.SHA, err
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

func (c *Client) createTree(ctx context.Context, repo repoRef, baseTree string, entries []treeEntry) (string, error) {
	var out gitObject
	err := c.do(ctx, "create tree", http.MethodPost, repo.path("/git/trees"), map[string]any{
		"base_tree": baseTree,
		"tree":      entries,
	}, &out)
	return out.SHA, err
}

func (c *Client) createCommit(ctx context.Context, repo repoRef, message, tree, parent string) (string, error) {
	var out gitObject
	err := c.do(ctx, "create commit", http.MethodPost, repo.path("/git/commits"), map[string]any{
		"message": message,
		"tree":    tree,
		"parents": []string{parent},
	}, &out)
	return out.SHA, err
}

func (c *Client) updateRef(ctx context.Context, repo repoRef, branch, sha string) error {
	return c.do(ctx, "update ref", http.MethodPatch, repo.path("/git/refs/heads/"+escapeRef(branch)), map[string]any{
		"sha":   sha,
		"force": false,
	}, nil)
}

func escapeRef(branch string) string {
	parts := strings.Split(branch, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func mergeLabels(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, l := range list {
			l = strings.TrimSpace(l)
			if l == "" {
				continue
			}
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// do sends one API call and decodes the response into out when non-nil.
// Rate limits and server errors are retried with backoff.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: %s", config.ErrMissing, config.EnvGitHubToken)
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s: %w", op, err)
		}
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultAPIEndpoint
	}

	var respBody []byte
	err := backoff.Retry(func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{
				Op:         op,
				StatusCode: resp.StatusCode,
				Body:       string(data),
				rateLimit:  resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0",
			}
			if apiErr.retryable() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		respBody = data
		return nil
	}, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse %s response: %w", op, err)
		}
	}
	return nil
}
