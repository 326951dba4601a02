package scheduler

import "github.com/codeready-toolchain/conductor/pkg/models"

// ModelSelector maps a work item to a model complexity tier. Estimated
// effort drives the base tier (S simple, M medium, L and XL complex);
// analysis items bias one tier up because they lean on reasoning rather
// than volume. An explicit "modelTier" in the item or goal context wins
// outright.
type ModelSelector struct{}

// Select returns the complexity tier the item should run at.
func (ModelSelector) Select(item *models.WorkItem, goal *models.Goal) models.ModelTier {
	if t := models.ContextString(item, goal, "modelTier"); t != "" {
		switch tier := models.ModelTier(t); tier {
		case models.TierSimple, models.TierMedium, models.TierComplex:
			return tier
		}
	}

	tier := models.TierMedium
	switch item.EstimatedEffort {
	case models.EffortS:
		tier = models.TierSimple
	case models.EffortM:
		tier = models.TierMedium
	case models.EffortL, models.EffortXL:
		tier = models.TierComplex
	}
	if item.Type == models.WorkItemAnalysis {
		tier = tierUp(tier)
	}
	return tier
}

func tierUp(t models.ModelTier) models.ModelTier {
	switch t {
	case models.TierSimple:
		return models.TierMedium
	case models.TierMedium:
		return models.TierComplex
	default:
		return t
	}
}
