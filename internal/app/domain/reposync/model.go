// Package reposync holds the plain data types shared by every collaborator
// in the sync engine: the durable connection record, the oracle's analysis
// shapes, and the small helpers for turning a "owner/name" repo key into
// its parts and back.
package reposync

import (
	"fmt"
	"strings"
	"time"
)

// Owner identifies the authenticated person who connected a repository.
type Owner struct {
	ID          string
	Login       string
	DisplayName string
	Email       string
}

// CollectionIDs records the four fixed collections seeded under a
// repository's root document.
type CollectionIDs struct {
	ReleaseNotes     string
	ADRs             string
	EngineeringTasks string
	DocHistory       string
}

// IsComplete reports whether all four collections were created.
func (c CollectionIDs) IsComplete() bool {
	return c.ReleaseNotes != "" && c.ADRs != "" && c.EngineeringTasks != "" && c.DocHistory != ""
}

// ConnectionRecord is the durable state the store keeps for one connected
// repository: what it is, where its document lives, who connected it, and
// how far the sync engine has processed it.
type ConnectionRecord struct {
	RepoKey           string
	Credential        string
	WorkspaceEndpoint string
	DocumentID        string
	DocumentTitle     string
	CollectionIDs     CollectionIDs
	OwnerUser         Owner
	ConnectedAt       time.Time
	LastUpdatedAt     time.Time
	LastSyncedAt      *time.Time
	LastProcessedPR   *int
	Confidence        float64
	AutoSyncEnabled   bool
}

// Owner returns the VCS owner/org login parsed from RepoKey.
func (c ConnectionRecord) Owner() string {
	owner, _ := SplitRepoKey(c.RepoKey)
	return owner
}

// Name returns the repository name parsed from RepoKey.
func (c ConnectionRecord) Name() string {
	_, name := SplitRepoKey(c.RepoKey)
	return name
}

// CursorUpdate carries the fields UpdateCursor is allowed to advance. A nil
// field leaves the corresponding column untouched.
type CursorUpdate struct {
	LastProcessedPR *int
	LastSyncedAt    *time.Time
}

// SplitRepoKey splits a "owner/name" repo key into its two parts. A
// malformed key (no slash) returns the whole string as the name with an
// empty owner.
func SplitRepoKey(repoKey string) (owner, name string) {
	parts := strings.SplitN(repoKey, "/", 2)
	if len(parts) != 2 {
		return "", repoKey
	}
	return parts[0], parts[1]
}

// DocumentTitleFor is the canonical root-document title for a repository,
// used both to create the document and to probe for an existing one.
func DocumentTitleFor(owner, name string) string {
	return fmt.Sprintf("%s-%s-docs", owner, name)
}

// TreeEntry is one file discovered while listing a repository's tree.
type TreeEntry struct {
	Path string
	Size int64
}

// RepoSignals is the best-effort bundle of repository facts gathered before
// the oracle's repository-level analysis call.
type RepoSignals struct {
	FileTree         []TreeEntry
	Readme           string
	HasReadme        bool
	PackageManifests map[string]string
	Languages        map[string]int64
}

// ArchitectureLayer is one layer in the architecture the oracle identified.
type ArchitectureLayer struct {
	Name         string
	Purpose      string
	Technologies []string
}

// Architecture summarises the overall structural pattern of a repository.
type Architecture struct {
	Pattern     string
	Description string
	DataFlow    string
	Frameworks  []string
	Confidence  float64
	Layers      []ArchitectureLayer
}

// KeyConcept is a term/definition pair surfaced by the oracle.
type KeyConcept struct {
	Term       string
	Definition string
}

// CoreModule is one module the oracle identified as architecturally
// significant.
type CoreModule struct {
	Name             string
	Purpose          string
	Responsibilities []string
	Location         string
	Dependencies     []string
	KeyFiles         []string
	Confidence       float64
}

// TechnicalStack groups the technologies the oracle detected by concern.
type TechnicalStack struct {
	Frontend       []string
	Backend        []string
	Database       []string
	Infrastructure []string
	Tooling        []string
}

// ADRConsequences groups the consequences recorded against an architecture
// decision record.
type ADRConsequences struct {
	Positive []string
	Negative []string
	Risks    []string
}

// ADR is one architecture decision record, seeded or appended.
type ADR struct {
	Title        string
	Context      string
	Decision     string
	Consequences ADRConsequences
}

// TaskPriority ranks an engineering task's urgency.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "High"
	PriorityMedium TaskPriority = "Medium"
	PriorityLow    TaskPriority = "Low"
)

// EngineeringTask is one follow-up task the oracle suggested.
type EngineeringTask struct {
	Task      string
	Priority  TaskPriority
	Category  string
	Reasoning string
}

// Overview is the oracle's plain-language summary of a repository.
type Overview struct {
	ProjectName      string
	Tagline          string
	Description      string
	ProblemStatement string
}

// Scope records what the oracle believes is and is not covered by the
// repository.
type Scope struct {
	InScope              []string
	OutOfScope           []string
	FutureConsiderations []string
}

// RepoAnalysis is the oracle's full repository-level analysis, decoded from
// its JSON reply (or substituted with a degraded value on failure).
type RepoAnalysis struct {
	Overview           Overview
	Scope              Scope
	Architecture       Architecture
	PublicAPIs         []string
	InternalInterfaces []string
	TechnicalStack     TechnicalStack
	OpenQuestions      []string
	KeyConcepts        []KeyConcept
	CoreModules        []CoreModule
	EngineeringTasks   []EngineeringTask
	InitialADR         ADR
	Confidence         float64
}

// ChangeType classifies a pull request or commit batch.
type ChangeType string

const (
	ChangeFeature     ChangeType = "feature"
	ChangeBugfix      ChangeType = "bugfix"
	ChangeRefactor    ChangeType = "refactor"
	ChangeDocs        ChangeType = "docs"
	ChangeTest        ChangeType = "test"
	ChangeSecurity    ChangeType = "security"
	ChangePerformance ChangeType = "performance"
	ChangeArchitecture ChangeType = "architecture"
	ChangeUnknown     ChangeType = "unknown"
)

// ImpactLevel ranks how significant a change is.
type ImpactLevel string

const (
	ImpactMajor ImpactLevel = "major"
	ImpactMinor ImpactLevel = "minor"
	ImpactPatch ImpactLevel = "patch"
)

// ChangeAnalysis is the oracle's classification of one merged pull request.
type ChangeAnalysis struct {
	ChangeType           ChangeType
	ImpactLevel          ImpactLevel
	AffectedModules      []string
	PublicAPIChanges     bool
	BreakingChanges      bool
	RequiresADR          bool
	Summary              string
	DocumentationUpdates []string
	FollowUpTasks        []string
	NewTechnologies      []string
	ArchitectureChanges  string
	Confidence           float64
}

// CommitSignificance is the oracle's judgement on a batch of direct-branch
// commits.
type CommitSignificance struct {
	IsSignificant  bool
	ChangeType     ChangeType
	ImpactLevel    ImpactLevel
	Summary        string
	SuggestedTasks []string
	Confidence     float64
}
