package materializer

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/workspaceclient"
)

// collectionSpec names one of the four fixed collections materialised for
// every repository. contentProp is the property key the workspace expects
// the item's headline value under; it differs per collection (spec.md
// §4.5's table), so every item insertion must key off this field rather
// than a single shared constant.
type collectionSpec struct {
	name        string
	contentProp string
	properties  []workspaceclient.SchemaProperty
	seed        func(analysis domain.RepoAnalysis) map[string]interface{}
}

func contentPropFor(name string) string {
	for _, spec := range collectionSpecs {
		if spec.name == name {
			return spec.contentProp
		}
	}
	return ""
}

// ContentPropFor exposes the content-prop key for one of the four fixed
// collections (release_notes/adrs/engineering_tasks/doc_history) so callers
// outside this package — the change processor inserting promoted items into
// collections the materialiser already created — key every item correctly
// without duplicating the schema table.
func ContentPropFor(collectionKey string) string {
	return contentPropFor(collectionKey)
}

var collectionSpecs = []collectionSpec{
	{
		name:        "release_notes",
		contentProp: "title",
		properties: []workspaceclient.SchemaProperty{
			{Name: "version", Type: "text"}, {Name: "date", Type: "date"},
			{Name: "summary", Type: "text"}, {Name: "pr_number", Type: "number"},
			{Name: "changes", Type: "text"},
		},
		seed: func(analysis domain.RepoAnalysis) map[string]interface{} {
			version := computeInitialVersion()
			return map[string]interface{}{
				"title": version + " - Initial Documentation", "version": version,
				"date": today(), "summary": orFallback(analysis.Overview.Tagline, "Initial automated analysis"),
				"pr_number": 0, "changes": "Engineering brain initialized",
			}
		},
	},
	{
		name:        "adrs",
		contentProp: "title",
		properties: []workspaceclient.SchemaProperty{
			{Name: "adr_id", Type: "text"}, {Name: "status", Type: "text"}, {Name: "date", Type: "date"},
			{Name: "context", Type: "text"}, {Name: "decision", Type: "text"},
			{Name: "consequences", Type: "text"}, {Name: "confidence", Type: "number"},
		},
		seed: func(analysis domain.RepoAnalysis) map[string]interface{} {
			adr := analysis.InitialADR
			title := orFallback(adr.Title, "ADR-0001: Initial Architecture")
			return map[string]interface{}{
				"title": title, "adr_id": "ADR-0001", "status": "Accepted", "date": today(),
				"context": adr.Context, "decision": adr.Decision,
				"consequences": strings.Join(append(append(adr.Consequences.Positive, adr.Consequences.Negative...), adr.Consequences.Risks...), "; "),
				"confidence": analysis.Confidence,
			}
		},
	},
	{
		name:        "engineering_tasks",
		contentProp: "task",
		properties: []workspaceclient.SchemaProperty{
			{Name: "priority", Type: "text"}, {Name: "category", Type: "text"},
			{Name: "reasoning", Type: "text"}, {Name: "status", Type: "text"}, {Name: "created_at", Type: "date"},
		},
		seed: func(analysis domain.RepoAnalysis) map[string]interface{} {
			task := "Review generated documentation for accuracy"
			priority := string(domain.PriorityMedium)
			reasoning := "Initial scaffold task pending human review"
			if len(analysis.EngineeringTasks) > 0 {
				first := analysis.EngineeringTasks[0]
				task, priority, reasoning = first.Task, string(first.Priority), first.Reasoning
			}
			return map[string]interface{}{
				"task": task, "priority": priority, "category": "Scaffold",
				"reasoning": reasoning, "status": "Open", "created_at": today(),
			}
		},
	},
	{
		name:        "doc_history",
		contentProp: "event",
		properties: []workspaceclient.SchemaProperty{
			{Name: "date", Type: "date"}, {Name: "description", Type: "text"},
			{Name: "pr_number", Type: "number"}, {Name: "confidence", Type: "text"},
		},
		seed: func(analysis domain.RepoAnalysis) map[string]interface{} {
			return map[string]interface{}{
				"event": "Engineering brain created", "date": today(),
				"description": "Initial analysis and documentation scaffold generated.",
				"pr_number":   0, "confidence": confidencePercent(analysis.Confidence),
			}
		},
	},
}

// createCollections creates each of the four fixed collections at the end
// of pageID and seeds one initial item into each. A failure creating or
// seeding one collection is logged and does not prevent the others from
// being attempted.
func (m *Materializer) createCollections(ctx context.Context, ws *workspaceclient.Client, pageID string, analysis domain.RepoAnalysis, repoKey string) domain.CollectionIDs {
	var ids domain.CollectionIDs
	for _, spec := range collectionSpecs {
		id, err := ws.CollectionsCreate(ctx, pageID, workspaceclient.CollectionSchema{Name: spec.name, Properties: spec.properties})
		if err != nil {
			m.log.WithField("repo_key", repoKey).WithField("collection", spec.name).Warn("materializer: failed to create collection")
			continue
		}
		assignCollectionID(&ids, spec.name, id)

		item := spec.seed(analysis)
		if _, hasContentProp := item[contentPropFor(spec.name)]; !hasContentProp {
			m.log.WithField("collection", spec.name).Warn("materializer: seed item missing content property, workspace will reject it")
			continue
		}
		if err := ws.CollectionItemsAdd(ctx, id, []map[string]interface{}{item}); err != nil {
			m.log.WithField("repo_key", repoKey).WithField("collection", spec.name).Warn("materializer: failed to seed initial collection item")
		}
	}
	return ids
}

func assignCollectionID(ids *domain.CollectionIDs, name, id string) {
	switch name {
	case "release_notes":
		ids.ReleaseNotes = id
	case "adrs":
		ids.ADRs = id
	case "engineering_tasks":
		ids.EngineeringTasks = id
	case "doc_history":
		ids.DocHistory = id
	}
}

func computeInitialVersion() string {
	now := time.Now().UTC()
	return "v" + now.Format("2006.01") + ".0"
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func confidencePercent(confidence float64) string {
	return fmt.Sprintf("%d%%", int(confidence*100))
}

func orFallback(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
