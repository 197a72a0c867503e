// Package materializer implements the first-contact flow that turns a bare
// repository reference into a populated engineering-brain document: the
// idempotence gate, best-effort signal gathering, oracle analysis, root
// document creation, and the four seeded collections.
package materializer

import (
	"context"
	"fmt"
	"strings"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/R3E-Network/service_layer/internal/app/reposync/vcsclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/workspaceclient"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

// Result is the outcome of a call to Analyse.
type Result struct {
	Existing      bool
	DocumentID    string
	Title         string
	CollectionIDs domain.CollectionIDs
	Confidence    float64
	Analysis      domain.RepoAnalysis
}

// Materializer builds the root document and collection scaffold for a
// repository the first time it is connected.
type Materializer struct {
	store      store.Store
	oracle     *oracleclient.Client
	vcsBaseURL string
	tracer     core.Tracer
	log        *logger.Logger
}

// New constructs a Materializer. vcsBaseURL is the hosted VCS provider's API
// root; the oracle client is shared across repositories since it carries no
// per-repository credential.
func New(st store.Store, oracle *oracleclient.Client, vcsBaseURL string, log *logger.Logger) *Materializer {
	if log == nil {
		log = logger.NewDefault("reposync-materializer")
	}
	return &Materializer{store: st, oracle: oracle, vcsBaseURL: vcsBaseURL, tracer: core.NoopTracer, log: log}
}

// WithTracer configures an optional tracer for every outbound call made
// during analysis.
func (m *Materializer) WithTracer(tracer core.Tracer) *Materializer {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	m.tracer = tracer
	return m
}

// Analyse implements spec.md §4.5 steps 1-8. It is safe to retry: once the
// root document has been created and recorded, the idempotence gate at step 1
// returns it as existing. A retry does not create collections that an
// earlier, partially-failed attempt left out.
func (m *Materializer) Analyse(ctx context.Context, repoKey, credential, workspaceEndpoint, branch string, owner domain.Owner) (Result, error) {
	spanCtx, finish := m.tracer.StartSpan(ctx, "materializer.analyse", map[string]string{"repo_key": repoKey})
	defer func() { finish(nil) }()
	ctx = spanCtx

	ownerLogin, name := domain.SplitRepoKey(repoKey)
	title := domain.DocumentTitleFor(ownerLogin, name)

	existing, found, err := m.store.Get(ctx, repoKey)
	if err != nil {
		return Result{}, fmt.Errorf("materializer: lookup connection: %w", err)
	}
	if found && existing.DocumentID != "" {
		return Result{Existing: true, DocumentID: existing.DocumentID, Title: existing.DocumentTitle, CollectionIDs: existing.CollectionIDs, Confidence: existing.Confidence}, nil
	}

	ws := workspaceclient.New(workspaceEndpoint, nil, m.log).WithTracer(m.tracer)

	doc, ok, err := ws.DocumentExists(ctx, title)
	if err != nil {
		return Result{}, fmt.Errorf("materializer: probe workspace: %w", err)
	}
	if ok {
		now := time.Now().UTC()
		record := domain.ConnectionRecord{
			RepoKey: repoKey, Credential: credential, WorkspaceEndpoint: workspaceEndpoint,
			DocumentID: doc.ID, DocumentTitle: title, OwnerUser: owner,
			ConnectedAt: now, LastUpdatedAt: now, AutoSyncEnabled: true,
		}
		if err := m.store.Put(ctx, record); err != nil {
			return Result{}, fmt.Errorf("materializer: hydrate existing connection: %w", err)
		}
		return Result{Existing: true, DocumentID: doc.ID, Title: title}, nil
	}

	signals := m.gatherSignals(ctx, credential, ownerLogin, name, branch)
	analysis, _ := m.oracle.AnalyseRepository(ctx, repoKey, signals)

	documentID, err := ws.DocumentsCreate(ctx, title)
	if err != nil {
		return Result{}, fmt.Errorf("materializer: create root document: %w", err)
	}

	now := time.Now().UTC()
	record := domain.ConnectionRecord{
		RepoKey: repoKey, Credential: credential, WorkspaceEndpoint: workspaceEndpoint,
		DocumentID: documentID, DocumentTitle: title, OwnerUser: owner,
		ConnectedAt: now, LastUpdatedAt: now, AutoSyncEnabled: true, Confidence: analysis.Confidence,
	}
	if err := m.store.Put(ctx, record); err != nil {
		m.log.WithField("repo_key", repoKey).Warn("materializer: failed to persist partial record after document creation")
	}

	if err := ws.MarkdownAdd(ctx, documentID, overviewMarkdown(analysis), workspaceclient.PositionEnd); err != nil {
		m.log.WithField("repo_key", repoKey).Warn("materializer: failed to seed overview markdown")
	}
	if err := ws.MarkdownAdd(ctx, documentID, technicalSpecMarkdown(analysis), workspaceclient.PositionEnd); err != nil {
		m.log.WithField("repo_key", repoKey).Warn("materializer: failed to append technical specification")
	}

	collectionIDs := m.createCollections(ctx, ws, documentID, analysis, repoKey)

	if err := ws.MarkdownAdd(ctx, documentID, quickLinksMarkdown(collectionIDs), workspaceclient.PositionEnd); err != nil {
		m.log.WithField("repo_key", repoKey).Warn("materializer: failed to append quick links block")
	}

	record.CollectionIDs = collectionIDs
	record.Confidence = analysis.Confidence
	record.LastUpdatedAt = time.Now().UTC()
	if err := m.store.Put(ctx, record); err != nil {
		return Result{}, fmt.Errorf("materializer: persist final connection record: %w", err)
	}

	return Result{
		DocumentID: documentID, Title: title, CollectionIDs: collectionIDs,
		Confidence: analysis.Confidence, Analysis: analysis,
	}, nil
}

// gatherSignals collects repository signals via C1, degrading each
// independently-failing call to a zero value with a logged warning. The
// signal set as a whole is never fatal to materialisation.
func (m *Materializer) gatherSignals(ctx context.Context, credential, owner, name, branch string) domain.RepoSignals {
	if branch == "" {
		branch = "main"
	}
	vcs := vcsclient.New(m.vcsBaseURL, credential, nil, m.log).WithTracer(m.tracer)
	signals := domain.RepoSignals{PackageManifests: map[string]string{}, Languages: map[string]int64{}}

	if tree, err := vcs.ListTree(ctx, owner, name, branch); err != nil {
		m.log.WithField("owner", owner).WithField("name", name).Warn("materializer: failed to list file tree, degrading to empty")
	} else {
		for _, entry := range tree {
			signals.FileTree = append(signals.FileTree, domain.TreeEntry{Path: entry.Path, Size: entry.Size})
		}
	}

	if readme, ok, err := vcs.GetReadme(ctx, owner, name); err != nil {
		m.log.WithField("owner", owner).WithField("name", name).Warn("materializer: failed to fetch readme, degrading to absent")
	} else {
		signals.Readme, signals.HasReadme = readme, ok
	}

	if manifests, err := vcs.GetPackageManifests(ctx, owner, name); err != nil {
		m.log.WithField("owner", owner).WithField("name", name).Warn("materializer: failed to fetch package manifests, degrading to empty")
	} else {
		signals.PackageManifests = manifests
	}

	if languages, err := vcs.GetLanguages(ctx, owner, name); err != nil {
		m.log.WithField("owner", owner).WithField("name", name).Warn("materializer: failed to fetch languages, degrading to empty")
	} else {
		signals.Languages = languages
	}

	return signals
}

func overviewMarkdown(analysis domain.RepoAnalysis) string {
	var b strings.Builder
	name := analysis.Overview.ProjectName
	if name == "" {
		name = "Untitled project"
	}
	fmt.Fprintf(&b, "# %s\n\n", name)
	if analysis.Overview.Tagline != "" {
		fmt.Fprintf(&b, "_%s_\n\n", analysis.Overview.Tagline)
	}
	if analysis.Overview.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", analysis.Overview.Description)
	}
	fmt.Fprintf(&b, "## Technical Stack\n\n")
	writeStackList(&b, "Backend", analysis.TechnicalStack.Backend)
	writeStackList(&b, "Frontend", analysis.TechnicalStack.Frontend)
	writeStackList(&b, "Database", analysis.TechnicalStack.Database)
	writeStackList(&b, "Infrastructure", analysis.TechnicalStack.Infrastructure)
	writeStackList(&b, "Tooling", analysis.TechnicalStack.Tooling)
	return b.String()
}

func writeStackList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- **%s**: %s\n", label, strings.Join(items, ", "))
}

func technicalSpecMarkdown(analysis domain.RepoAnalysis) string {
	var b strings.Builder
	b.WriteString("## Scope\n\n")
	writeBulletSection(&b, "In scope", analysis.Scope.InScope)
	writeBulletSection(&b, "Out of scope", analysis.Scope.OutOfScope)

	b.WriteString("\n## Architecture\n\n")
	fmt.Fprintf(&b, "Pattern: **%s**\n\n%s\n\n", analysis.Architecture.Pattern, analysis.Architecture.Description)
	for _, layer := range analysis.Architecture.Layers {
		fmt.Fprintf(&b, "- **%s**: %s (%s)\n", layer.Name, layer.Purpose, strings.Join(layer.Technologies, ", "))
	}

	b.WriteString("\n## Core Modules\n\n")
	for _, mod := range analysis.CoreModules {
		fmt.Fprintf(&b, "### %s\n\n%s (`%s`)\n\n", mod.Name, mod.Purpose, mod.Location)
	}

	b.WriteString("\n## Public APIs\n\n")
	writeBulletSection(&b, "", analysis.PublicAPIs)

	b.WriteString("\n## Internal Interfaces\n\n")
	writeBulletSection(&b, "", analysis.InternalInterfaces)

	return b.String()
}

func writeBulletSection(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	if label != "" {
		fmt.Fprintf(b, "%s:\n", label)
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func quickLinksMarkdown(ids domain.CollectionIDs) string {
	var b strings.Builder
	b.WriteString("## Quick Links\n\n")
	fmt.Fprintf(&b, "- [Release Notes](#%s)\n", ids.ReleaseNotes)
	fmt.Fprintf(&b, "- [Architecture Decisions](#%s)\n", ids.ADRs)
	fmt.Fprintf(&b, "- [Engineering Tasks](#%s)\n", ids.EngineeringTasks)
	fmt.Fprintf(&b, "- [Documentation History](#%s)\n", ids.DocHistory)
	return b.String()
}
