// Package changeprocessor turns a merged pull request or a batch of direct
// commits into targeted mutations against a repository's engineering-brain
// document and collections, per spec.md §4.6.
package changeprocessor

import (
	"context"
	"fmt"
	"strings"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/materializer"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/R3E-Network/service_layer/internal/app/reposync/vcsclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/workspaceclient"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

// SyncHistoryRecorder is satisfied by store backends (postgres.Store) that
// support the optional sync_history audit table. It is discovered with a
// type assertion, the same dynamic-capability idiom the automation
// scheduler uses for its optional tracer-aware dispatcher.
type SyncHistoryRecorder interface {
	RecordSyncHistory(ctx context.Context, repoKey string, prNumber *int, commitSHA string, syncType string, significant bool, changeType, summary string) error
}

// Processor applies promotion rules and document mutations for pull
// requests and commit batches.
type Processor struct {
	store      store.Store
	oracle     *oracleclient.Client
	vcsBaseURL string
	tracer     core.Tracer
	log        *logger.Logger
}

// New constructs a Processor.
func New(st store.Store, oracle *oracleclient.Client, vcsBaseURL string, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault("reposync-changeprocessor")
	}
	return &Processor{store: st, oracle: oracle, vcsBaseURL: vcsBaseURL, tracer: core.NoopTracer, log: log}
}

// WithTracer configures an optional tracer for every outbound call.
func (p *Processor) WithTracer(tracer core.Tracer) *Processor {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	p.tracer = tracer
	return p
}

func (p *Processor) recordHistory(ctx context.Context, repoKey string, prNumber *int, commitSHA, syncType string, significant bool, changeType, summary string) {
	recorder, ok := p.store.(SyncHistoryRecorder)
	if !ok {
		return
	}
	if err := recorder.RecordSyncHistory(ctx, repoKey, prNumber, commitSHA, syncType, significant, changeType, summary); err != nil {
		p.log.WithField("repo_key", repoKey).Warn("changeprocessor: failed to record sync history")
	}
}

// OnPullRequest fetches a merged pull request, classifies it, appends a
// doc_history entry, and applies whichever promotion rules match. Only the
// initial fetch and connection lookup can fail the call outright; every
// mutation beyond that point is independent best-effort.
func (p *Processor) OnPullRequest(ctx context.Context, repoKey string, prNumber int) error {
	spanCtx, finish := p.tracer.StartSpan(ctx, "changeprocessor.on_pull_request", map[string]string{"repo_key": repoKey})
	defer func() { finish(nil) }()
	ctx = spanCtx

	conn, found, err := p.store.Get(ctx, repoKey)
	if err != nil {
		return fmt.Errorf("changeprocessor: lookup connection: %w", err)
	}
	if !found {
		return fmt.Errorf("changeprocessor: unknown repoKey %s", repoKey)
	}

	vcs := vcsclient.New(p.vcsBaseURL, conn.Credential, nil, p.log).WithTracer(p.tracer)
	pr, err := vcs.GetPR(ctx, conn.Owner(), conn.Name(), prNumber)
	if err != nil {
		return fmt.Errorf("changeprocessor: fetch pull request %d: %w", prNumber, err)
	}

	analysis, _ := p.oracle.AnalysePR(ctx, oracleclient.PRData{
		Number: pr.Number, Title: pr.Title, Body: pr.Body, Author: pr.Author, BaseRef: pr.BaseRef,
		FilesChanged: fileNames(pr.FilesChanged), Comments: commentBodies(pr.Comments), Reviews: reviewBodies(pr.Reviews),
	})

	ws := workspaceclient.New(conn.WorkspaceEndpoint, nil, p.log).WithTracer(p.tracer)
	confidencePct := fmt.Sprintf("%d%%", int(analysis.Confidence*100))

	p.addItem(ctx, ws, conn.CollectionIDs.DocHistory, "doc_history", map[string]interface{}{
		"event":       fmt.Sprintf("PR #%d Merged: %s", pr.Number, pr.Title),
		"description": analysis.Summary, "pr_number": pr.Number, "confidence": confidencePct,
	})

	if releaseNoteWorthy(analysis) {
		p.insertReleaseNote(ctx, ws, conn.CollectionIDs.ReleaseNotes, analysis, pr.Number)
	}
	if analysis.RequiresADR {
		p.insertADR(ctx, ws, conn.CollectionIDs.ADRs, analysis, pr)
	}
	if len(analysis.FollowUpTasks) > 0 {
		p.insertFollowUpTasks(ctx, ws, conn.CollectionIDs.EngineeringTasks, analysis, pr.Number)
	}
	p.applyMainDocumentMutations(ctx, ws, conn.DocumentID, analysis, pr.Number)

	p.recordHistory(ctx, repoKey, &pr.Number, "", "pr", true, string(analysis.ChangeType), analysis.Summary)
	return nil
}

func releaseNoteWorthy(analysis domain.ChangeAnalysis) bool {
	return analysis.ImpactLevel == domain.ImpactMajor ||
		analysis.BreakingChanges ||
		(analysis.ChangeType == domain.ChangeFeature && analysis.PublicAPIChanges)
}

func (p *Processor) insertReleaseNote(ctx context.Context, ws *workspaceclient.Client, collectionID string, analysis domain.ChangeAnalysis, prNumber int) {
	version := computeVersion(analysis.ImpactLevel, time.Now().UTC())
	p.addItem(ctx, ws, collectionID, "release_notes", map[string]interface{}{
		"title": version, "version": version, "date": time.Now().UTC().Format("2006-01-02"),
		"summary": analysis.Summary, "pr_number": prNumber, "changes": strings.Join(analysis.DocumentationUpdates, "; "),
	})
}

func (p *Processor) insertADR(ctx context.Context, ws *workspaceclient.Client, collectionID string, analysis domain.ChangeAnalysis, pr vcsclient.PullRequest) {
	adrID := fmt.Sprintf("ADR-%04d", time.Now().UTC().UnixMilli()%10000)
	p.addItem(ctx, ws, collectionID, "adrs", map[string]interface{}{
		"title": fmt.Sprintf("%s: %s", adrID, pr.Title), "adr_id": adrID, "status": "Proposed",
		"date": time.Now().UTC().Format("2006-01-02"), "context": pr.Body, "decision": analysis.Summary,
		"consequences": strings.Join(analysis.DocumentationUpdates, "; "), "confidence": analysis.Confidence,
	})
}

func (p *Processor) insertFollowUpTasks(ctx context.Context, ws *workspaceclient.Client, collectionID string, analysis domain.ChangeAnalysis, prNumber int) {
	for _, task := range analysis.FollowUpTasks {
		p.addItem(ctx, ws, collectionID, "engineering_tasks", map[string]interface{}{
			"task": task, "priority": string(domain.PriorityMedium), "category": fmt.Sprintf("From PR#%d", prNumber),
			"reasoning": analysis.Summary, "status": "Open", "created_at": time.Now().UTC().Format("2006-01-02"),
		})
	}
}

func (p *Processor) applyMainDocumentMutations(ctx context.Context, ws *workspaceclient.Client, documentID string, analysis domain.ChangeAnalysis, prNumber int) {
	if len(analysis.NewTechnologies) > 0 {
		content := "## Tech Stack\n\n- " + strings.Join(analysis.NewTechnologies, "\n- ")
		if err := ws.UpdateMainDocument(ctx, workspaceclient.UpdateMainDocumentRequest{
			PageID: documentID, SectionToUpdate: "Tech Stack", NewContent: content, AppendIfNotFound: true,
		}); err != nil {
			p.log.WithField("document_id", documentID).Warn("changeprocessor: failed to upsert tech stack section")
		}
	}
	if analysis.ArchitectureChanges != "" {
		content := "## Architecture\n\n" + analysis.ArchitectureChanges
		if err := ws.RegenerateSection(ctx, documentID, "Architecture", content); err != nil {
			p.log.WithField("document_id", documentID).Warn("changeprocessor: failed to regenerate architecture section")
		}
	}
	if analysis.PublicAPIChanges {
		content := "## API Changes\n\n" + strings.Join(analysis.DocumentationUpdates, "\n")
		if err := ws.MarkdownAdd(ctx, documentID, content, workspaceclient.PositionEnd); err != nil {
			p.log.WithField("document_id", documentID).Warn("changeprocessor: failed to append api changes")
		}
	}
	if analysis.BreakingChanges {
		content := "## Breaking Changes\n\nPR #" + fmt.Sprint(prNumber) + ": " + analysis.Summary
		if err := ws.MarkdownAdd(ctx, documentID, content, workspaceclient.PositionEnd); err != nil {
			p.log.WithField("document_id", documentID).Warn("changeprocessor: failed to append breaking changes")
		}
	}
	updateLog := fmt.Sprintf("_Updated by PR #%d on %s._", prNumber, time.Now().UTC().Format("2006-01-02"))
	if err := ws.MarkdownAdd(ctx, documentID, updateLog, workspaceclient.PositionEnd); err != nil {
		p.log.WithField("document_id", documentID).Warn("changeprocessor: failed to append update log")
	}
}

// OnCommits judges a batch of direct-branch commits and, if significant,
// records a doc_history entry, an optional release note, and any suggested
// tasks. Significance is the sole gate: an insignificant batch records
// nothing.
func (p *Processor) OnCommits(ctx context.Context, repoKey string, commits []vcsclient.Commit, commitFiles []string) error {
	spanCtx, finish := p.tracer.StartSpan(ctx, "changeprocessor.on_commits", map[string]string{"repo_key": repoKey})
	defer func() { finish(nil) }()
	ctx = spanCtx

	if len(commits) == 0 {
		return nil
	}

	conn, found, err := p.store.Get(ctx, repoKey)
	if err != nil {
		return fmt.Errorf("changeprocessor: lookup connection: %w", err)
	}
	if !found {
		return fmt.Errorf("changeprocessor: unknown repoKey %s", repoKey)
	}

	batch := commits
	if len(batch) > 10 {
		batch = batch[:10]
	}
	commitData := make([]oracleclient.CommitData, 0, len(batch))
	for _, c := range batch {
		commitData = append(commitData, oracleclient.CommitData{SHA: c.SHA, Message: c.Message, Author: c.Author})
	}

	sig, _ := p.oracle.AnalyseCommits(ctx, commitData, commitFiles)
	if !sig.IsSignificant {
		return nil
	}

	ws := workspaceclient.New(conn.WorkspaceEndpoint, nil, p.log).WithTracer(p.tracer)
	newest := batch[0]

	p.addItem(ctx, ws, conn.CollectionIDs.DocHistory, "doc_history", map[string]interface{}{
		"event": "Direct commits: " + sig.Summary, "date": time.Now().UTC().Format("2006-01-02"),
		"description": sig.Summary, "pr_number": 0, "confidence": fmt.Sprintf("%d%%", int(sig.Confidence*100)),
	})

	if sig.ImpactLevel == domain.ImpactMajor {
		version := computeVersion(sig.ImpactLevel, time.Now().UTC())
		p.addItem(ctx, ws, conn.CollectionIDs.ReleaseNotes, "release_notes", map[string]interface{}{
			"title": version, "version": version, "date": time.Now().UTC().Format("2006-01-02"),
			"summary": sig.Summary, "pr_number": 0, "changes": newest.Message,
		})
	}

	for _, task := range sig.SuggestedTasks {
		p.addItem(ctx, ws, conn.CollectionIDs.EngineeringTasks, "engineering_tasks", map[string]interface{}{
			"task": task, "priority": string(domain.PriorityMedium), "category": "From direct commits",
			"reasoning": sig.Summary, "status": "Open", "created_at": time.Now().UTC().Format("2006-01-02"),
		})
	}

	commitBlock := fmt.Sprintf("_%d direct commits merged, newest: %s (%s)._", len(batch), newest.SHA, newest.Message)
	if err := ws.MarkdownAdd(ctx, conn.DocumentID, commitBlock, workspaceclient.PositionEnd); err != nil {
		p.log.WithField("document_id", conn.DocumentID).Warn("changeprocessor: failed to append commit block")
	}

	p.recordHistory(ctx, repoKey, nil, newest.SHA, "commit", sig.IsSignificant, string(sig.ChangeType), sig.Summary)
	return nil
}

// addItem inserts one item into a fixed collection, keying it under the
// collection's content property and logging a warning rather than
// propagating failure — every targeted mutation is independent best-effort.
func (p *Processor) addItem(ctx context.Context, ws *workspaceclient.Client, collectionID, collectionKey string, item map[string]interface{}) {
	if collectionID == "" {
		return
	}
	contentProp := materializer.ContentPropFor(collectionKey)
	if _, ok := item[contentProp]; !ok {
		p.log.WithField("collection", collectionKey).Warn("changeprocessor: item missing content property, skipping")
		return
	}
	if err := ws.CollectionItemsAdd(ctx, collectionID, []map[string]interface{}{item}); err != nil {
		p.log.WithField("collection", collectionKey).Warn("changeprocessor: failed to insert collection item")
	}
}

func computeVersion(impact domain.ImpactLevel, now time.Time) string {
	switch impact {
	case domain.ImpactMajor:
		return fmt.Sprintf("v%d.%02d.0", now.Year(), int(now.Month()))
	case domain.ImpactMinor:
		return fmt.Sprintf("v%d.%02d.%02d", now.Year(), int(now.Month()), now.Day())
	default:
		return fmt.Sprintf("v%d.%02d.%02d-patch", now.Year(), int(now.Month()), now.Day())
	}
}

func fileNames(files []vcsclient.PRFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Filename)
	}
	return out
}

func commentBodies(comments []vcsclient.PRComment) []string {
	out := make([]string, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.Body)
	}
	return out
}

func reviewBodies(reviews []vcsclient.PRReview) []string {
	out := make([]string, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, r.State+": "+r.Body)
	}
	return out
}
