// Package vcsclient is a typed wrapper over a hosted, GitHub-shaped
// version-control REST API: tree listing, readme, manifests, languages,
// merged pull requests, and commits.
package vcsclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/R3E-Network/service_layer/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultBodyLimit = int64(4 << 20) // 4 MiB
)

// knownManifests enumerates the package-manifest paths GetPackageManifests
// probes, keyed by the ecosystem name reported in RepoSignals.
var knownManifests = map[string]string{
	"npm":    "package.json",
	"go":     "go.mod",
	"rust":   "Cargo.toml",
	"python": "requirements.txt",
	"maven":  "pom.xml",
}

// Client talks to a single hosted VCS provider instance.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     core.Tracer
	log        *logger.Logger
}

// New constructs a Client bound to baseURL (e.g. "https://api.github.com")
// using credential as a bearer token. A nil httpClient gets a sensible
// per-call timeout.
func New(baseURL, credential string, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = logger.NewDefault("vcsclient")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		tracer:     core.NoopTracer,
		log:        log,
	}
}

// WithTracer configures an optional tracer for outbound calls.
func (c *Client) WithTracer(tracer core.Tracer) *Client {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	c.tracer = tracer
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string) ([]byte, error) {
	spanCtx, finish := c.tracer.StartSpan(ctx, "vcsclient."+method, map[string]string{"path": path})
	defer func() { finish(nil) }()
	ctx = spanCtx

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("vcsclient: build request: %w", err)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultBodyLimit))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Resource: path}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter := defaultTimeout
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		c.log.WithField("status", resp.StatusCode).WithField("path", path).
			WithField("retry_after", retryAfter).Warn("vcsclient received retryable status")
		return nil, &TransportError{StatusCode: resp.StatusCode, Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Retryable: false, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}
	return body, nil
}

// ListTree lists every file path and size at ref, using the recursive tree
// endpoint.
func (c *Client) ListTree(ctx context.Context, owner, name, ref string) ([]TreeEntry, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/trees/%s", owner, name, ref), map[string]string{"recursive": "1"})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Size int64  `json:"size"`
		} `json:"tree"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("vcsclient: decode tree: %w", err)
	}
	out := make([]TreeEntry, 0, len(payload.Tree))
	for _, entry := range payload.Tree {
		if entry.Type != "blob" {
			continue
		}
		out = append(out, TreeEntry{Path: entry.Path, Size: entry.Size})
	}
	return out, nil
}

// TreeEntry mirrors the domain type to keep this package import-free of the
// domain package; callers adapt as needed.
type TreeEntry struct {
	Path string
	Size int64
}

// GetReadme returns the decoded README text, or ("", false) if the
// repository has none.
func (c *Client) GetReadme(ctx context.Context, owner, name string) (string, bool, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/readme", owner, name), nil)
	if _, ok := err.(*NotFoundError); ok {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var payload struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false, fmt.Errorf("vcsclient: decode readme: %w", err)
	}
	if payload.Encoding != "base64" {
		return payload.Content, true, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return "", false, fmt.Errorf("vcsclient: decode readme content: %w", err)
	}
	return string(decoded), true, nil
}

// GetPackageManifests probes the known manifest paths and returns the
// decoded text of every one found; absent manifests are simply omitted.
func (c *Client) GetPackageManifests(ctx context.Context, owner, name string) (map[string]string, error) {
	out := make(map[string]string)
	for ecosystem, path := range knownManifests {
		body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/contents/%s", owner, name, path), nil)
		if _, ok := err.(*NotFoundError); ok {
			continue
		}
		if err != nil {
			return out, err
		}
		var payload struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			continue
		}
		if payload.Encoding == "base64" {
			if decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", "")); err == nil {
				out[ecosystem] = string(decoded)
			}
			continue
		}
		out[ecosystem] = payload.Content
	}
	return out, nil
}

// GetLanguages returns the language-to-byte-count breakdown reported by the
// provider.
func (c *Client) GetLanguages(ctx context.Context, owner, name string) (map[string]int64, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/languages", owner, name), nil)
	if err != nil {
		return nil, err
	}
	var out map[string]int64
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("vcsclient: decode languages: %w", err)
	}
	return out, nil
}

// ListMergedPRsSince lists the merged pull requests with number strictly
// greater than sinceNumber, sorted ascending. Only the first page of up to
// 100 closed pull requests, newest-created first, is examined; older ones
// are not returned.
func (c *Client) ListMergedPRsSince(ctx context.Context, owner, name string, sinceNumber int) ([]PRSummary, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls", owner, name), map[string]string{
		"state":     "closed",
		"sort":      "created",
		"direction": "desc",
		"per_page":  "100",
	})
	if err != nil {
		return nil, err
	}
	var payload []struct {
		Number   int        `json:"number"`
		Title    string     `json:"title"`
		MergedAt *time.Time `json:"merged_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("vcsclient: decode pulls: %w", err)
	}
	out := make([]PRSummary, 0, len(payload))
	for _, pr := range payload {
		if pr.MergedAt == nil || pr.Number <= sinceNumber {
			continue
		}
		out = append(out, PRSummary{Number: pr.Number, Title: pr.Title, MergedAt: *pr.MergedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ListRepositories lists the repositories visible to the bound credential,
// most recently pushed first.
func (c *Client) ListRepositories(ctx context.Context) ([]RepositorySummary, error) {
	body, err := c.do(ctx, http.MethodGet, "/user/repos", map[string]string{
		"sort":      "pushed",
		"direction": "desc",
		"per_page":  "100",
	})
	if err != nil {
		return nil, err
	}
	var payload []struct {
		FullName      string    `json:"full_name"`
		Description   string    `json:"description"`
		DefaultBranch string    `json:"default_branch"`
		Private       bool      `json:"private"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("vcsclient: decode repositories: %w", err)
	}
	out := make([]RepositorySummary, 0, len(payload))
	for _, repo := range payload {
		out = append(out, RepositorySummary{
			FullName:      repo.FullName,
			Description:   repo.Description,
			DefaultBranch: repo.DefaultBranch,
			Private:       repo.Private,
			UpdatedAt:     repo.UpdatedAt,
		})
	}
	return out, nil
}

// GetPR fetches full pull-request detail, including files, comments, and
// reviews.
func (c *Client) GetPR(ctx context.Context, owner, name string, number int) (PullRequest, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, name, number), nil)
	if err != nil {
		return PullRequest{}, err
	}
	var payload struct {
		Number   int        `json:"number"`
		Title    string     `json:"title"`
		Body     string     `json:"body"`
		MergedAt *time.Time `json:"merged_at"`
		Base     struct {
			Ref string `json:"ref"`
		} `json:"base"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PullRequest{}, fmt.Errorf("vcsclient: decode pull request: %w", err)
	}

	pr := PullRequest{
		Number:  payload.Number,
		Title:   payload.Title,
		Body:    payload.Body,
		Author:  payload.User.Login,
		BaseRef: payload.Base.Ref,
	}
	if payload.MergedAt != nil {
		pr.MergedAt = *payload.MergedAt
	}

	if filesBody, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls/%d/files", owner, name, number), nil); err == nil {
		var files []struct {
			Filename  string `json:"filename"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
			Patch     string `json:"patch"`
		}
		if json.Unmarshal(filesBody, &files) == nil {
			for _, f := range files {
				pr.FilesChanged = append(pr.FilesChanged, PRFile{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions, Patch: f.Patch})
			}
		}
	}

	if commentsBody, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, name, number), nil); err == nil {
		var comments []struct {
			Body string `json:"body"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		if json.Unmarshal(commentsBody, &comments) == nil {
			for _, cm := range comments {
				pr.Comments = append(pr.Comments, PRComment{Author: cm.User.Login, Body: cm.Body})
			}
		}
	}

	if reviewsBody, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, name, number), nil); err == nil {
		var reviews []struct {
			Body  string `json:"body"`
			State string `json:"state"`
			User  struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		if json.Unmarshal(reviewsBody, &reviews) == nil {
			for _, rv := range reviews {
				pr.Reviews = append(pr.Reviews, PRReview{Author: rv.User.Login, State: rv.State, Body: rv.Body})
			}
		}
	}

	return pr, nil
}

// GetCommit fetches a single commit with its changed files and line stats.
func (c *Client) GetCommit(ctx context.Context, owner, name, sha string) (Commit, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/commits/%s", owner, name, sha), nil)
	if err != nil {
		return Commit{}, err
	}
	return decodeCommit(body)
}

// ListCommits lists commits on ref committed after sinceInstant, sorted
// descending by commit date. A zero sinceInstant lists all reachable
// commits (subject to provider pagination defaults).
func (c *Client) ListCommits(ctx context.Context, owner, name, ref string, sinceInstant time.Time) ([]Commit, error) {
	query := map[string]string{"sha": ref, "per_page": "100"}
	if !sinceInstant.IsZero() {
		query["since"] = sinceInstant.UTC().Format(time.RFC3339)
	}
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/commits", owner, name), query)
	if err != nil {
		return nil, err
	}
	var payload []json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("vcsclient: decode commits: %w", err)
	}
	out := make([]Commit, 0, len(payload))
	for _, raw := range payload {
		commit, err := decodeCommit(raw)
		if err != nil {
			continue
		}
		out = append(out, commit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func decodeCommit(body []byte) (Commit, error) {
	var payload struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string    `json:"name"`
				Date time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
		Stats struct {
			Additions int `json:"additions"`
			Deletions int `json:"deletions"`
		} `json:"stats"`
		Files []struct {
			Filename  string `json:"filename"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
			Patch     string `json:"patch"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Commit{}, fmt.Errorf("vcsclient: decode commit: %w", err)
	}
	out := Commit{
		SHA:     payload.SHA,
		Message: payload.Commit.Message,
		Author:  payload.Commit.Author.Name,
		Date:    payload.Commit.Author.Date,
		Stats:   CommitStats{Additions: payload.Stats.Additions, Deletions: payload.Stats.Deletions},
	}
	for _, f := range payload.Files {
		out.Files = append(out.Files, PRFile{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions, Patch: f.Patch})
	}
	return out, nil
}
