// Package github implements scm.Connector against the GitHub REST API (github.com or GitHub
// Enterprise Server) using installation access tokens, and provides the GitHub App token
// issuer that mints those tokens.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/gitswarm/gitswarm/internal/scm"
	"github.com/gitswarm/gitswarm/internal/telemetry"
)

const (
	defaultAPIURL     = "https://api.github.com"
	defaultTimeout    = 30 * time.Second
	apiVersion        = "2022-11-28"
	acceptHeader      = "application/vnd.github+json"
	maxErrorBodyBytes = 64 << 10
)

// ClientSettings holds configuration for creating a Client
type ClientSettings struct {
	// APIURL is the REST root, e.g. https://ghe.example.com/api/v3. Defaults to api.github.com.
	APIURL string
	// Timeout bounds every request. Defaults to 30s.
	Timeout time.Duration
	// Transport is the base round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// Client implements scm.Connector for GitHub
type Client struct {
	apiURL  string
	timeout time.Duration
	base    http.RoundTripper
}

var _ scm.Connector = (*Client)(nil)

// NewClient creates a GitHub client
func NewClient(settings ClientSettings) *Client {
	apiURL := defaultAPIURL
	if settings.APIURL != "" {
		apiURL = strings.TrimRight(settings.APIURL, "/")
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := settings.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &Client{
		apiURL:  apiURL,
		timeout: timeout,
		base:    base,
	}
}

// GetFileContents reads a single file and decodes its base64 payload
func (c *Client) GetFileContents(ctx context.Context, token, slug, path, ref string) (*scm.FileContent, error) {
	endpoint, err := c.contentsPath(slug, path)
	if err != nil {
		return nil, err
	}
	if strings.Trim(path, "/") == "" {
		return nil, fmt.Errorf("github: file path is required: %w", scm.ErrInvalidArgument)
	}

	var raw json.RawMessage
	if err := c.do(ctx, token, "get_file_contents", http.MethodGet, endpoint, refQuery(ref), nil, &raw); err != nil {
		return nil, notFoundAs(err, "file "+path)
	}
	if isJSONArray(raw) {
		return nil, fmt.Errorf("github: %s is a directory: %w", path, scm.ErrInvalidArgument)
	}

	var item contentItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("github: decode file contents: %w", err)
	}

	content := item.Content
	if item.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(stripNewlines(item.Content))
		if err != nil {
			return nil, fmt.Errorf("github: decode base64 content of %s: %w", item.Path, err)
		}
		content = string(decoded)
	}

	return &scm.FileContent{
		Content:  content,
		SHA:      item.SHA,
		Encoding: item.Encoding,
		Size:     item.Size,
		Path:     item.Path,
	}, nil
}

// GetDirectoryContents lists a directory. When path names a file GitHub answers with a
// single object, which is returned as a one-element list.
func (c *Client) GetDirectoryContents(ctx context.Context, token, slug, path, ref string) ([]scm.DirectoryEntry, error) {
	endpoint, err := c.contentsPath(slug, path)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, token, "get_directory_contents", http.MethodGet, endpoint, refQuery(ref), nil, &raw); err != nil {
		return nil, notFoundAs(err, "path "+path)
	}

	var items []contentItem
	if isJSONArray(raw) {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("github: decode directory listing: %w", err)
		}
	} else {
		var item contentItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("github: decode directory listing: %w", err)
		}
		items = []contentItem{item}
	}

	entries := make([]scm.DirectoryEntry, len(items))
	for i, item := range items {
		entries[i] = scm.DirectoryEntry{
			Name: item.Name,
			Path: item.Path,
			Type: item.Type,
			SHA:  item.SHA,
			Size: item.Size,
		}
	}
	return entries, nil
}

// GetTree fetches a tree by branch, tag or sha
func (c *Client) GetTree(ctx context.Context, token, slug, ref string, recursive bool) (*scm.Tree, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, fmt.Errorf("github: tree ref is required: %w", scm.ErrInvalidArgument)
	}

	query := url.Values{}
	if recursive {
		query.Set("recursive", "1")
	}

	var result struct {
		SHA       string `json:"sha"`
		Truncated bool   `json:"truncated"`
		Tree      []struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
			Size int64  `json:"size"`
		} `json:"tree"`
	}
	if err := c.do(ctx, token, "get_tree", http.MethodGet, repoPath+"/git/trees/"+escapePath(ref), query, nil, &result); err != nil {
		return nil, fmt.Errorf("github: get tree: %w", err)
	}

	tree := &scm.Tree{
		SHA:       result.SHA,
		Truncated: result.Truncated,
		Tree:      make([]scm.TreeEntry, len(result.Tree)),
	}
	for i, e := range result.Tree {
		tree.Tree[i] = scm.TreeEntry{Path: e.Path, Type: e.Type, SHA: e.SHA, Size: e.Size, Mode: e.Mode}
	}
	return tree, nil
}

// GetCommits lists commits
func (c *Client) GetCommits(ctx context.Context, token, slug string, opts scm.CommitListOptions) ([]scm.Commit, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if opts.SHA != "" {
		query.Set("sha", opts.SHA)
	}
	if opts.Path != "" {
		query.Set("path", opts.Path)
	}
	if opts.Since != nil {
		query.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Until != nil {
		query.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}
	query.Set("per_page", strconv.Itoa(scm.ClampPerPage(opts.PerPage)))

	var ghCommits []struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
		Commit  struct {
			Message   string          `json:"message"`
			Author    githubSignature `json:"author"`
			Committer githubSignature `json:"committer"`
		} `json:"commit"`
	}
	if err := c.do(ctx, token, "get_commits", http.MethodGet, repoPath+"/commits", query, nil, &ghCommits); err != nil {
		return nil, fmt.Errorf("github: list commits: %w", err)
	}

	commits := make([]scm.Commit, len(ghCommits))
	for i, gc := range ghCommits {
		commits[i] = scm.Commit{
			SHA:       gc.SHA,
			Message:   gc.Commit.Message,
			Author:    scm.Signature(gc.Commit.Author),
			Committer: scm.Signature(gc.Commit.Committer),
			URL:       gc.HTMLURL,
		}
	}
	return commits, nil
}

// GetBranches lists branches in a repository
func (c *Client) GetBranches(ctx context.Context, token, slug string) ([]scm.Branch, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("per_page", strconv.Itoa(scm.MaxPerPage))

	var ghBranches []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
		Protected bool `json:"protected"`
	}
	if err := c.do(ctx, token, "get_branches", http.MethodGet, repoPath+"/branches", query, nil, &ghBranches); err != nil {
		return nil, fmt.Errorf("github: list branches: %w", err)
	}

	branches := make([]scm.Branch, len(ghBranches))
	for i, b := range ghBranches {
		branches[i] = scm.Branch{Name: b.Name, SHA: b.Commit.SHA, Protected: b.Protected}
	}
	return branches, nil
}

// GetPullRequests lists pull requests
func (c *Client) GetPullRequests(ctx context.Context, token, slug string, opts scm.PullRequestListOptions) ([]scm.PullRequest, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}

	opts = opts.WithDefaults()
	query := url.Values{}
	query.Set("state", opts.State)
	query.Set("sort", opts.Sort)
	query.Set("direction", opts.Direction)
	query.Set("per_page", strconv.Itoa(opts.PerPage))

	var ghPulls []githubPull
	if err := c.do(ctx, token, "get_pull_requests", http.MethodGet, repoPath+"/pulls", query, nil, &ghPulls); err != nil {
		return nil, fmt.Errorf("github: list pull requests: %w", err)
	}

	pulls := make([]scm.PullRequest, len(ghPulls))
	for i := range ghPulls {
		pulls[i] = ghPulls[i].convert()
	}
	return pulls, nil
}

// CreateFile commits a new file
func (c *Client) CreateFile(ctx context.Context, token, slug string, file scm.FileWrite) (scm.Payload, error) {
	return c.putFile(ctx, token, slug, "create_file", file, "")
}

// UpdateFile commits new content for an existing file. sha must be the blob sha the caller
// last read; GitHub rejects the write if the file changed since.
func (c *Client) UpdateFile(ctx context.Context, token, slug string, file scm.FileWrite, sha string) (scm.Payload, error) {
	if strings.TrimSpace(sha) == "" {
		return nil, scm.ErrSHARequired
	}
	return c.putFile(ctx, token, slug, "update_file", file, sha)
}

func (c *Client) putFile(ctx context.Context, token, slug, operation string, file scm.FileWrite, sha string) (scm.Payload, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := c.contentsPath(slug, file.Path)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"message":   file.Message,
		"content":   base64.StdEncoding.EncodeToString([]byte(file.Content)),
		"author":    file.Author,
		"committer": file.Author,
	}
	if file.Branch != "" {
		body["branch"] = file.Branch
	}
	if sha != "" {
		body["sha"] = sha
	}

	var payload scm.Payload
	if err := c.do(ctx, token, operation, http.MethodPut, endpoint, nil, body, &payload); err != nil {
		return nil, fmt.Errorf("github: write %s: %w", file.Path, err)
	}
	return payload, nil
}

// CreatePullRequest opens a pull request
func (c *Client) CreatePullRequest(ctx context.Context, token, slug string, pr scm.NewPullRequest) (scm.Payload, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}
	if pr.Title == "" || pr.Head == "" || pr.Base == "" {
		return nil, fmt.Errorf("github: pull request title, head and base are required: %w", scm.ErrInvalidArgument)
	}

	var payload scm.Payload
	if err := c.do(ctx, token, "create_pull_request", http.MethodPost, repoPath+"/pulls", nil, pr, &payload); err != nil {
		return nil, fmt.Errorf("github: create pull request: %w", err)
	}
	return payload, nil
}

// CreateBranch creates refs/heads/<name> pointing at fromSHA
func (c *Client) CreateBranch(ctx context.Context, token, slug, name, fromSHA string) (scm.Payload, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}
	name = strings.TrimPrefix(name, "refs/heads/")
	if name == "" || fromSHA == "" {
		return nil, fmt.Errorf("github: branch name and source sha are required: %w", scm.ErrInvalidArgument)
	}

	body := map[string]string{
		"ref": "refs/heads/" + name,
		"sha": fromSHA,
	}
	var payload scm.Payload
	if err := c.do(ctx, token, "create_branch", http.MethodPost, repoPath+"/git/refs", nil, body, &payload); err != nil {
		return nil, fmt.Errorf("github: create branch %s: %w", name, err)
	}
	return payload, nil
}

// MergePullRequest merges a pull request, squashing by default
func (c *Client) MergePullRequest(ctx context.Context, token, slug string, number int, opts scm.MergeOptions) (scm.Payload, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return nil, err
	}
	if number < 1 {
		return nil, fmt.Errorf("github: pull request number must be positive: %w", scm.ErrInvalidArgument)
	}
	if opts.MergeMethod == "" {
		opts.MergeMethod = scm.DefaultMergeMethod
	}
	if !scm.ValidMergeMethod(opts.MergeMethod) {
		return nil, fmt.Errorf("github: unknown merge method %q: %w", opts.MergeMethod, scm.ErrInvalidArgument)
	}

	endpoint := fmt.Sprintf("%s/pulls/%d/merge", repoPath, number)
	var payload scm.Payload
	if err := c.do(ctx, token, "merge_pull_request", http.MethodPut, endpoint, nil, opts, &payload); err != nil {
		return nil, fmt.Errorf("github: merge pull request #%d: %w", number, err)
	}
	return payload, nil
}

// Helper methods

// do performs one authenticated call. Non-2xx responses become *scm.APIError carrying the
// upstream message; out is decoded only on success.
func (c *Client) do(ctx context.Context, token, operation, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: encode %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("github: create %s request: %w", operation, err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient(token).Do(req)
	telemetry.GitHubAPIRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.GitHubAPIRequestsTotal.WithLabelValues(operation, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return scm.NewAPIError(0, "request failed", err)
	}
	defer resp.Body.Close()
	telemetry.GitHubAPIRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return scm.NewAPIError(resp.StatusCode, upstreamMessage(resp.Body), nil)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decode %s response: %w", operation, err)
	}
	return nil
}

// httpClient returns a client whose transport adds the installation token as a bearer
// credential on every request.
func (c *Client) httpClient(token string) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}
}

func (c *Client) contentsPath(slug, path string) (string, error) {
	repoPath, err := repoPath(slug)
	if err != nil {
		return "", err
	}
	endpoint := repoPath + "/contents"
	if p := strings.Trim(path, "/"); p != "" {
		endpoint += "/" + escapePath(p)
	}
	return endpoint, nil
}

func repoPath(slug string) (string, error) {
	owner, name, ok := scm.SplitSlug(slug)
	if !ok {
		return "", fmt.Errorf("github: malformed repository slug %q: %w", slug, scm.ErrInvalidArgument)
	}
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name), nil
}

// escapePath escapes each segment of a slash-separated path, keeping the separators
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func refQuery(ref string) url.Values {
	if ref == "" {
		return nil
	}
	return url.Values{"ref": {ref}}
}

func notFoundAs(err error, what string) error {
	if apiErr, ok := scm.IsUpstream(err); ok && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("github: %s: %w", what, scm.ErrNotFound)
	}
	return fmt.Errorf("github: %s: %w", what, err)
}

// upstreamMessage extracts the "message" field of a GitHub error body, falling back to the
// raw text.
func upstreamMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	var ghErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &ghErr); err == nil && ghErr.Message != "" {
		return ghErr.Message
	}
	return strings.TrimSpace(string(body))
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

type contentItem struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

type githubSignature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type githubPull struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Body      *string    `json:"body"`
	HTMLURL   string     `json:"html_url"`
	Head      scm.GitRef `json:"head"`
	Base      scm.GitRef `json:"base"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	Draft     bool       `json:"draft"`
}

func (p *githubPull) convert() scm.PullRequest {
	body := ""
	if p.Body != nil {
		body = *p.Body
	}
	return scm.PullRequest{
		Number:    p.Number,
		Title:     p.Title,
		State:     p.State,
		Body:      body,
		URL:       p.HTMLURL,
		Head:      p.Head,
		Base:      p.Base,
		User:      p.User.Login,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		MergedAt:  p.MergedAt,
		Draft:     p.Draft,
	}
}
