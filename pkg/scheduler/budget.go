package scheduler

import (
	"context"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// BudgetLevel classifies how much of a goal's budget is consumed.
type BudgetLevel int

const (
	// BudgetNone means every axis is below the warning threshold.
	BudgetNone BudgetLevel = iota
	// BudgetWarning means an axis reached 70% of its limit.
	BudgetWarning
	// BudgetCritical means an axis reached 90% of its limit.
	BudgetCritical
	// BudgetExceeded means an axis reached or passed its limit.
	BudgetExceeded
)

func (l BudgetLevel) String() string {
	switch l {
	case BudgetWarning:
		return "warning"
	case BudgetCritical:
		return "critical"
	case BudgetExceeded:
		return "exceeded"
	default:
		return "none"
	}
}

// ThresholdFunc is notified when recording usage raises a goal's budget
// level. It runs on the goroutine that recorded the usage.
type ThresholdFunc func(goal *models.Goal, level BudgetLevel, axis string)

// BudgetTracker evaluates goal spend against configured limits and records
// run accounting through the repository. Goals without a budget are
// unlimited on every axis, as is any axis with a zero limit.
type BudgetTracker struct {
	repo        store.Repository
	onThreshold ThresholdFunc
}

func NewBudgetTracker(repo store.Repository) *BudgetTracker {
	if repo == nil {
		panic("scheduler: BudgetTracker requires a repository")
	}
	return &BudgetTracker{repo: repo}
}

// SetThresholdFunc registers the callback fired when a goal crosses into a
// higher budget level. Must be called before the tracker is shared.
func (t *BudgetTracker) SetThresholdFunc(fn ThresholdFunc) {
	t.onThreshold = fn
}

// Evaluate returns the highest budget level across the goal's axes and the
// axis that reached it.
func (t *BudgetTracker) Evaluate(g *models.Goal) (BudgetLevel, string) {
	if g == nil || g.Budget == nil {
		return BudgetNone, ""
	}
	level, axis := BudgetNone, ""
	check := func(spent, limit float64, name string) {
		if limit <= 0 {
			return
		}
		if l := levelFor(spent / limit); l > level {
			level, axis = l, name
		}
	}
	check(float64(g.Spent.Tokens), float64(g.Budget.Tokens), "tokens")
	check(g.Spent.TimeMinutes, g.Budget.TimeMinutes, "timeMinutes")
	check(g.Spent.CostUsd, g.Budget.CostUsd, "costUsd")
	return level, axis
}

func levelFor(ratio float64) BudgetLevel {
	switch {
	case ratio >= 1.0:
		return BudgetExceeded
	case ratio >= 0.9:
		return BudgetCritical
	case ratio >= 0.7:
		return BudgetWarning
	default:
		return BudgetNone
	}
}

// WillExceed reports whether adding the given usage would push the goal past
// a token or cost limit.
func (t *BudgetTracker) WillExceed(g *models.Goal, addTokens int64, addCost float64) bool {
	if g == nil || g.Budget == nil {
		return false
	}
	if g.Budget.Tokens > 0 && g.Spent.Tokens+addTokens > g.Budget.Tokens {
		return true
	}
	if g.Budget.CostUsd > 0 && g.Spent.CostUsd+addCost > g.Budget.CostUsd {
		return true
	}
	return false
}

// RecordUsage adds run accounting to the goal's spend counters and fires the
// threshold callback when the recorded usage raised the budget level.
func (t *BudgetTracker) RecordUsage(ctx context.Context, goalID string, tokens int64, minutes, cost float64) (*models.Goal, error) {
	before, err := t.repo.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	levelBefore, _ := t.Evaluate(before)

	after, err := t.repo.AddGoalSpend(ctx, goalID, tokens, minutes, cost)
	if err != nil {
		return nil, err
	}
	if levelAfter, axis := t.Evaluate(after); levelAfter > levelBefore && t.onThreshold != nil {
		t.onThreshold(after, levelAfter, axis)
	}
	return after, nil
}
