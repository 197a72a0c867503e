package vcsclient

import (
	"fmt"
	"time"
)

// PRSummary is a merged pull request as returned by ListMergedPRsSince.
type PRSummary struct {
	Number   int
	Title    string
	MergedAt time.Time
}

// PRFile describes one file changed by a pull request or commit.
type PRFile struct {
	Filename  string
	Additions int
	Deletions int
	Patch     string
}

// PRComment is a single discussion comment on a pull request.
type PRComment struct {
	Author string
	Body   string
}

// PRReview is a single review verdict on a pull request.
type PRReview struct {
	Author string
	State  string
	Body   string
}

// PullRequest is the full detail returned by GetPR.
type PullRequest struct {
	Number       int
	Title        string
	Body         string
	Author       string
	MergedAt     time.Time
	BaseRef      string
	FilesChanged []PRFile
	Comments     []PRComment
	Reviews      []PRReview
}

// CommitStats summarises line-level churn for a commit.
type CommitStats struct {
	Additions int
	Deletions int
}

// Commit is the full detail returned by GetCommit and ListCommits.
type Commit struct {
	SHA     string
	Message string
	Author  string
	Date    time.Time
	Files   []PRFile
	Stats   CommitStats
}

// RepositorySummary is one entry returned by ListRepositories.
type RepositorySummary struct {
	FullName      string
	Description   string
	DefaultBranch string
	Private       bool
	UpdatedAt     time.Time
}

// NotFoundError indicates the requested ref, PR, or commit does not exist.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("vcsclient: %s not found", e.Resource)
}

// TransportError wraps a failed HTTP round trip. Retryable is true for 5xx
// and 429 responses, and for network-level failures; it is false for any
// other 4xx status.
type TransportError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vcsclient: transport error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("vcsclient: transport error (status %d)", e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }
