// Package oracleclient is a synchronous request-response facade over a
// large-language-model provider, producing typed RepoAnalysis,
// ChangeAnalysis, and CommitSignificance records from structured prompts.
package oracleclient

import (
	"context"
	"fmt"
	"strings"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/pkg/logger"
	"github.com/tidwall/gjson"
)

// Provider is the minimal synchronous contract the client needs from a
// language-model backend: a prompt in, a raw text reply out.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client formats prompts, invokes Provider, and parses+repairs the reply
// into a typed record.
type Client struct {
	provider Provider
	tracer   core.Tracer
	log      *logger.Logger
}

// New constructs a Client bound to the given provider.
func New(provider Provider, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("oracleclient")
	}
	return &Client{provider: provider, tracer: core.NoopTracer, log: log}
}

// WithTracer configures an optional tracer for provider calls.
func (c *Client) WithTracer(tracer core.Tracer) *Client {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	c.tracer = tracer
	return c
}

func (c *Client) complete(ctx context.Context, spanName, prompt string) (string, bool) {
	spanCtx, finish := c.tracer.StartSpan(ctx, spanName, nil)
	reply, err := c.provider.Complete(spanCtx, prompt)
	finish(err)
	if err != nil {
		c.log.WithField("span", spanName).WithField("error", err).Warn("oracleclient: provider call failed")
		return "", false
	}
	return reply, true
}

func (c *Client) parseObject(reply string) (gjson.Result, bool) {
	obj, _ := ExtractJSONObject(reply)
	repaired := Repair(obj)
	parsed := gjson.Parse(repaired)
	if !parsed.IsObject() {
		return gjson.Result{}, false
	}
	return parsed, true
}

// AnalyseRepository formats repository signals into a prompt, invokes the
// provider, and returns a typed RepoAnalysis. A provider error or an
// unparseable reply degrades to a low-confidence skeleton rather than
// failing the call; materialisation always proceeds.
func (c *Client) AnalyseRepository(ctx context.Context, repoKey string, signals domain.RepoSignals) (domain.RepoAnalysis, error) {
	prompt := formatRepositoryPrompt(repoKey, signals)
	reply, ok := c.complete(ctx, "oracleclient.analyse_repository", prompt)
	if !ok {
		return degradedRepoAnalysis(), nil
	}
	obj, ok := c.parseObject(reply)
	if !ok {
		c.log.WithField("repo_key", repoKey).Warn("oracleclient: repo analysis reply unparseable, using degraded record")
		return degradedRepoAnalysis(), nil
	}
	return decodeRepoAnalysis(obj), nil
}

// PRData is the subset of pull-request detail the oracle needs to produce a
// ChangeAnalysis; callers adapt from their own VCS client's richer type.
type PRData struct {
	Number       int
	Title        string
	Body         string
	Author       string
	BaseRef      string
	FilesChanged []string
	Comments     []string
	Reviews      []string
}

// AnalysePR formats pull-request data into a prompt and returns a typed
// ChangeAnalysis, degrading to a conservative unknown/patch record on
// failure.
func (c *Client) AnalysePR(ctx context.Context, prData PRData) (domain.ChangeAnalysis, error) {
	prompt := formatPRPrompt(prData)
	reply, ok := c.complete(ctx, "oracleclient.analyse_pr", prompt)
	if !ok {
		return degradedChangeAnalysis(), nil
	}
	obj, ok := c.parseObject(reply)
	if !ok {
		c.log.WithField("pr_number", prData.Number).Warn("oracleclient: change analysis reply unparseable, using degraded record")
		return degradedChangeAnalysis(), nil
	}
	return decodeChangeAnalysis(obj), nil
}

// CommitData is the subset of commit detail the oracle needs to judge batch
// significance.
type CommitData struct {
	SHA     string
	Message string
	Author  string
}

// AnalyseCommits formats up to the newest commits and the newest commit's
// files into a prompt and returns a typed CommitSignificance, degrading to
// is_significant=false on failure (the sole gate in the commit path).
func (c *Client) AnalyseCommits(ctx context.Context, commits []CommitData, newestFiles []string) (domain.CommitSignificance, error) {
	prompt := formatCommitsPrompt(commits, newestFiles)
	reply, ok := c.complete(ctx, "oracleclient.analyse_commits", prompt)
	if !ok {
		return degradedCommitSignificance(), nil
	}
	obj, ok := c.parseObject(reply)
	if !ok {
		c.log.Warn("oracleclient: commit significance reply unparseable, using degraded record")
		return degradedCommitSignificance(), nil
	}
	return decodeCommitSignificance(obj), nil
}

func formatRepositoryPrompt(repoKey string, signals domain.RepoSignals) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyse the repository %s and respond with a single JSON object.\n", repoKey)
	fmt.Fprintf(&b, "Files: %d. Readme present: %v.\n", len(signals.FileTree), signals.HasReadme)
	if signals.HasReadme {
		fmt.Fprintf(&b, "Readme excerpt:\n%s\n", truncate(signals.Readme, 4000))
	}
	for ecosystem, manifest := range signals.PackageManifests {
		fmt.Fprintf(&b, "Manifest (%s):\n%s\n", ecosystem, truncate(manifest, 1000))
	}
	return b.String()
}

func formatPRPrompt(pr PRData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify pull request #%d titled %q by %s against %s.\n", pr.Number, pr.Title, pr.Author, pr.BaseRef)
	fmt.Fprintf(&b, "Body:\n%s\n", truncate(pr.Body, 4000))
	fmt.Fprintf(&b, "Files changed: %s\n", strings.Join(pr.FilesChanged, ", "))
	if len(pr.Comments) > 0 {
		fmt.Fprintf(&b, "Discussion:\n%s\n", strings.Join(pr.Comments, "\n"))
	}
	if len(pr.Reviews) > 0 {
		fmt.Fprintf(&b, "Reviews:\n%s\n", strings.Join(pr.Reviews, "\n"))
	}
	return b.String()
}

func formatCommitsPrompt(commits []CommitData, newestFiles []string) string {
	var b strings.Builder
	b.WriteString("Judge whether this batch of direct-branch commits is significant enough to record.\n")
	for _, cm := range commits {
		fmt.Fprintf(&b, "- %s %s (%s)\n", cm.SHA, cm.Message, cm.Author)
	}
	if len(newestFiles) > 0 {
		fmt.Fprintf(&b, "Newest commit touched: %s\n", strings.Join(newestFiles, ", "))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
