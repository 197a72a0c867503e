package oracleclient

import (
	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/tidwall/gjson"
)

func strSlice(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	out := make([]string, 0)
	for _, item := range v.Array() {
		out = append(out, item.String())
	}
	return out
}

func collapseChangeType(raw string) domain.ChangeType {
	switch domain.ChangeType(raw) {
	case domain.ChangeFeature, domain.ChangeBugfix, domain.ChangeRefactor, domain.ChangeDocs,
		domain.ChangeTest, domain.ChangeSecurity, domain.ChangePerformance, domain.ChangeArchitecture:
		return domain.ChangeType(raw)
	default:
		return domain.ChangeUnknown
	}
}

func collapseImpactLevel(raw string) domain.ImpactLevel {
	switch domain.ImpactLevel(raw) {
	case domain.ImpactMajor, domain.ImpactMinor, domain.ImpactPatch:
		return domain.ImpactLevel(raw)
	default:
		return domain.ImpactMinor
	}
}

func collapsePriority(raw string) domain.TaskPriority {
	switch domain.TaskPriority(raw) {
	case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		return domain.TaskPriority(raw)
	default:
		return domain.PriorityMedium
	}
}

func decodeRepoAnalysis(obj gjson.Result) domain.RepoAnalysis {
	out := domain.RepoAnalysis{
		Overview: domain.Overview{
			ProjectName:      obj.Get("overview.projectName").String(),
			Tagline:          obj.Get("overview.tagline").String(),
			Description:      obj.Get("overview.description").String(),
			ProblemStatement: obj.Get("overview.problemStatement").String(),
		},
		Scope: domain.Scope{
			InScope:              strSlice(obj.Get("scope.inScope")),
			OutOfScope:           strSlice(obj.Get("scope.outOfScope")),
			FutureConsiderations: strSlice(obj.Get("scope.futureConsiderations")),
		},
		Architecture: domain.Architecture{
			Pattern:     orDefault(obj.Get("architecture.pattern").String(), "Unknown"),
			Description: obj.Get("architecture.description").String(),
			DataFlow:    obj.Get("architecture.dataFlow").String(),
			Frameworks:  strSlice(obj.Get("architecture.frameworks")),
			Confidence:  clampConfidence(obj.Get("architecture.confidence").Float()),
		},
		PublicAPIs:         strSlice(obj.Get("publicAPIs")),
		InternalInterfaces: strSlice(obj.Get("internalInterfaces")),
		TechnicalStack: domain.TechnicalStack{
			Frontend:       strSlice(obj.Get("technicalStack.frontend")),
			Backend:        strSlice(obj.Get("technicalStack.backend")),
			Database:       strSlice(obj.Get("technicalStack.database")),
			Infrastructure: strSlice(obj.Get("technicalStack.infrastructure")),
			Tooling:        strSlice(obj.Get("technicalStack.tooling")),
		},
		OpenQuestions: strSlice(obj.Get("openQuestions")),
		InitialADR: domain.ADR{
			Title:    obj.Get("initialADR.title").String(),
			Context:  obj.Get("initialADR.context").String(),
			Decision: obj.Get("initialADR.decision").String(),
			Consequences: domain.ADRConsequences{
				Positive: strSlice(obj.Get("initialADR.consequences.positive")),
				Negative: strSlice(obj.Get("initialADR.consequences.negative")),
				Risks:    strSlice(obj.Get("initialADR.consequences.risks")),
			},
		},
		Confidence: clampConfidence(obj.Get("confidence").Float()),
	}

	for _, layer := range obj.Get("architecture.layers").Array() {
		out.Architecture.Layers = append(out.Architecture.Layers, domain.ArchitectureLayer{
			Name:         layer.Get("name").String(),
			Purpose:      layer.Get("purpose").String(),
			Technologies: strSlice(layer.Get("technologies")),
		})
	}
	for _, kc := range obj.Get("keyConcepts").Array() {
		out.KeyConcepts = append(out.KeyConcepts, domain.KeyConcept{
			Term:       kc.Get("term").String(),
			Definition: kc.Get("definition").String(),
		})
	}
	for _, mod := range obj.Get("coreModules").Array() {
		out.CoreModules = append(out.CoreModules, domain.CoreModule{
			Name:             mod.Get("name").String(),
			Purpose:          mod.Get("purpose").String(),
			Responsibilities: strSlice(mod.Get("responsibilities")),
			Location:         mod.Get("location").String(),
			Dependencies:     strSlice(mod.Get("dependencies")),
			KeyFiles:         strSlice(mod.Get("keyFiles")),
			Confidence:       clampConfidence(mod.Get("confidence").Float()),
		})
	}
	for _, task := range obj.Get("engineeringTasks").Array() {
		out.EngineeringTasks = append(out.EngineeringTasks, domain.EngineeringTask{
			Task:      task.Get("task").String(),
			Priority:  collapsePriority(task.Get("priority").String()),
			Category:  task.Get("category").String(),
			Reasoning: task.Get("reasoning").String(),
		})
	}

	if out.Overview.ProjectName == "" {
		out.Overview.ProjectName = "Unknown project"
	}
	return out
}

func decodeChangeAnalysis(obj gjson.Result) domain.ChangeAnalysis {
	return domain.ChangeAnalysis{
		ChangeType:           collapseChangeType(obj.Get("changeType").String()),
		ImpactLevel:          collapseImpactLevel(obj.Get("impactLevel").String()),
		AffectedModules:      strSlice(obj.Get("affectedModules")),
		PublicAPIChanges:     obj.Get("publicAPIChanges").Bool(),
		BreakingChanges:      obj.Get("breakingChanges").Bool(),
		RequiresADR:          obj.Get("requiresADR").Bool(),
		Summary:              orDefault(obj.Get("summary").String(), "No summary provided."),
		DocumentationUpdates: strSlice(obj.Get("documentationUpdates")),
		FollowUpTasks:        strSlice(obj.Get("followUpTasks")),
		NewTechnologies:      strSlice(obj.Get("newTechnologies")),
		ArchitectureChanges:  obj.Get("architectureChanges").String(),
		Confidence:           clampConfidence(obj.Get("confidence").Float()),
	}
}

func decodeCommitSignificance(obj gjson.Result) domain.CommitSignificance {
	return domain.CommitSignificance{
		IsSignificant:  obj.Get("isSignificant").Bool(),
		ChangeType:     collapseChangeType(obj.Get("changeType").String()),
		ImpactLevel:    collapseImpactLevel(obj.Get("impactLevel").String()),
		Summary:        orDefault(obj.Get("summary").String(), "No summary provided."),
		SuggestedTasks: strSlice(obj.Get("suggestedTasks")),
		Confidence:     clampConfidence(obj.Get("confidence").Float()),
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func degradedRepoAnalysis() domain.RepoAnalysis {
	return domain.RepoAnalysis{
		Overview:     domain.Overview{ProjectName: "Unknown project"},
		Architecture: domain.Architecture{Pattern: "Unknown"},
		OpenQuestions: []string{
			"Automated analysis was unavailable; this document was seeded with placeholder content.",
		},
		EngineeringTasks: []domain.EngineeringTask{
			{Task: "Review this repository manually and update the Engineering Brain.", Priority: domain.PriorityMedium, Category: "Follow-up", Reasoning: "Oracle analysis failed during materialisation."},
		},
		Confidence: 0.3,
	}
}

func degradedChangeAnalysis() domain.ChangeAnalysis {
	return domain.ChangeAnalysis{
		ChangeType:  domain.ChangeUnknown,
		ImpactLevel: domain.ImpactPatch,
		Summary:     "Automated analysis was unavailable for this change.",
		Confidence:  0,
	}
}

func degradedCommitSignificance() domain.CommitSignificance {
	return domain.CommitSignificance{
		IsSignificant: false,
		ChangeType:    domain.ChangeUnknown,
		ImpactLevel:   domain.ImpactPatch,
		Confidence:    0,
	}
}
