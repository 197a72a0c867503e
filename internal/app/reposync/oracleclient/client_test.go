package oracleclient

import (
	"context"
	"testing"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
)

type fakeProvider struct {
	reply string
	err   error
}

func (f fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func TestAnalyseRepository_DegradesOnProviderError(t *testing.T) {
	c := New(fakeProvider{err: context.DeadlineExceeded}, nil)
	out, err := c.AnalyseRepository(context.Background(), "octocat/hello", domain.RepoSignals{})
	if err != nil {
		t.Fatalf("expected no error (degraded record), got %v", err)
	}
	if out.Confidence != 0.3 || out.Architecture.Pattern != "Unknown" {
		t.Fatalf("expected degraded skeleton, got %+v", out)
	}
}

func TestAnalyseRepository_ParsesTruncatedReply(t *testing.T) {
	reply := `Here you go: {"overview":{"projectName":"hello"},"confidence":1.4,"coreModules":[{"name":"auth","confidence":0.9},],`
	c := New(fakeProvider{reply: reply}, nil)
	out, err := c.AnalyseRepository(context.Background(), "octocat/hello", domain.RepoSignals{})
	if err != nil {
		t.Fatalf("analyse repository: %v", err)
	}
	if out.Overview.ProjectName != "hello" {
		t.Fatalf("expected project name hello, got %q", out.Overview.ProjectName)
	}
	if out.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", out.Confidence)
	}
	if len(out.CoreModules) != 1 || out.CoreModules[0].Name != "auth" {
		t.Fatalf("expected one core module auth, got %+v", out.CoreModules)
	}
}

func TestAnalysePR_CollapsesUnknownEnums(t *testing.T) {
	reply := `{"changeType":"made-up","impactLevel":"catastrophic","confidence":0.5}`
	c := New(fakeProvider{reply: reply}, nil)
	out, err := c.AnalysePR(context.Background(), PRData{Number: 1, Title: "t"})
	if err != nil {
		t.Fatalf("analyse pr: %v", err)
	}
	if out.ChangeType != domain.ChangeUnknown {
		t.Fatalf("expected unknown change type, got %v", out.ChangeType)
	}
	if out.ImpactLevel != domain.ImpactMinor {
		t.Fatalf("expected minor impact fallback, got %v", out.ImpactLevel)
	}
}

func TestAnalyseCommits_SignificanceGate(t *testing.T) {
	c := New(fakeProvider{reply: `{"isSignificant": false}`}, nil)
	out, err := c.AnalyseCommits(context.Background(), []CommitData{{SHA: "a", Message: "tweak"}}, nil)
	if err != nil {
		t.Fatalf("analyse commits: %v", err)
	}
	if out.IsSignificant {
		t.Fatalf("expected insignificant")
	}
}
