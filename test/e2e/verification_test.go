package e2e

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/gates"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario: quality gates guard work item completion
// ────────────────────────────────────────────────────────────

func TestE2E_QualityGatesGateCompletion(t *testing.T) {
	engine := NewScriptedEngine().Script(SuccessResult(150, 0.02))
	runner := gates.NewRunner(gates.NewCommandExecutor("", nil), nil, nil)
	app := NewTestApp(t, WithEngine(engine), WithGateRunner(runner))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	// Only the required gate has to pass; the optional one failing must not
	// hold the item back.
	item := &models.WorkItem{
		ID:    "wi-gated",
		Title: "wire the smoke checks",
		Verification: &models.VerificationPlan{
			QualityGates: []models.QualityGate{
				{Name: "smoke", Type: models.GateDeterministic, Command: "sh -c 'exit 0'", Required: true},
				{Name: "style-sweep", Type: models.GateDeterministic, Command: "sh -c 'exit 1'"},
			},
		},
	}
	goal := app.SubmitDecomposedGoal(t, &models.Goal{Title: "harden the release"}, item)

	_, err := ws.WaitForGoalEvent("goal.completed", goal.ID, eventWait)
	require.NoError(t, err)

	done := app.WaitForWorkItemStatus(t, item.ID, models.WorkItemDone)
	assert.Equal(t, models.VerificationPassed, done.VerificationStatus)

	runs := app.ItemRuns(t, item.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunSuccess, runs[0].Status)
	assert.Empty(t, runs[0].ErrorSignature)
}

// ────────────────────────────────────────────────────────────
// Scenario: a required gate failing turns engine successes into
// retries and finally an escalation carrying the gate's signature
// ────────────────────────────────────────────────────────────

func TestE2E_RequiredGateFailureEscalates(t *testing.T) {
	engine := NewScriptedEngine()
	runner := gates.NewRunner(gates.NewCommandExecutor("", nil), nil, nil)
	app := NewTestApp(t, WithEngine(engine), WithGateRunner(runner))

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	item := &models.WorkItem{
		ID:    "wi-unverifiable",
		Title: "ship the importer",
		Verification: &models.VerificationPlan{
			QualityGates: []models.QualityGate{
				{Name: "integration-suite", Type: models.GateDeterministic, Command: "sh -c 'exit 1'", Required: true},
			},
		},
	}
	goal := app.SubmitDecomposedGoal(t, &models.Goal{Title: "importer rollout"}, item)

	// The engine reports success every attempt; verification keeps failing
	// with the same signature until the stuck rule trips.
	escEvent, err := ws.WaitForGoalEvent("escalation.created", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, "stuck", escEvent.Data["kind"])
	assert.Equal(t, "verification:integration-suite", escEvent.Data["errorSignature"])

	_, err = ws.WaitForGoalEvent("goal.blocked", goal.ID, eventWait)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.CallCount(), "every verification failure costs one engine attempt")

	failed := app.WaitForWorkItemStatus(t, item.ID, models.WorkItemFailed)
	assert.Equal(t, models.VerificationFailed, failed.VerificationStatus)
	assert.Equal(t, 2, failed.RetryCount)

	runs := app.ItemRuns(t, item.ID)
	require.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, models.RunFailure, run.Status)
		assert.Equal(t, "verification:integration-suite", run.ErrorSignature)
		assert.Contains(t, run.ErrorMessage, "1 required failures")
	}
}

// ────────────────────────────────────────────────────────────
// Scenario: an llm_review gate consults the configured reviewer
// agent and its verdict decides the item
// ────────────────────────────────────────────────────────────

func TestE2E_LLMReviewGateApproves(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	var mu sync.Mutex
	var reviewBodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reviewBodies = append(reviewBodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, openAIVerdict(true, "output matches the acceptance criteria"))
	}))
	defer server.Close()

	engine := NewScriptedEngine().Script(SuccessResult(300, 0.03))
	app := NewTestApp(t,
		WithEngine(engine),
		WithLLMConfig(reviewerLLMConfig(server.URL)),
		WithReviewGates(""),
	)

	ws := app.Connect(t)
	require.NoError(t, ws.Subscribe(nil))

	item := &models.WorkItem{
		ID:    "wi-reviewed",
		Title: "write the exporter",
		Verification: &models.VerificationPlan{
			QualityGates: []models.QualityGate{
				{
					Name:         "acceptance-review",
					Type:         models.GateLLMReview,
					ReviewPrompt: "Confirm the exporter emits newline-delimited JSON.",
					Required:     true,
				},
			},
			AcceptanceCriteria: []string{"exporter emits newline-delimited JSON"},
		},
	}
	goal := app.SubmitDecomposedGoal(t, &models.Goal{Title: "exporter feature"}, item)

	_, err := ws.WaitForGoalEvent("goal.completed", goal.ID, eventWait)
	require.NoError(t, err)

	done := app.WaitForWorkItemStatus(t, item.ID, models.WorkItemDone)
	assert.Equal(t, models.VerificationPassed, done.VerificationStatus)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reviewBodies, 1, "reviewer consulted exactly once")
	assert.Contains(t, reviewBodies[0], "Confirm the exporter emits newline-delimited JSON.")
	assert.Contains(t, reviewBodies[0], "acceptanceCriteria")
}

// openAIVerdict wraps a reviewer verdict in an OpenAI chat completion body.
func openAIVerdict(passed bool, reasoning string) string {
	verdict := fmt.Sprintf(`{"passed": %t, "reasoning": %q}`, passed, reasoning)
	return fmt.Sprintf(`{"model":"reviewer-model","choices":[{"message":{"content":%q},"finish_reason":"stop"}],"usage":{"total_tokens":21}}`,
		verdict)
}

// reviewerLLMConfig routes the quality-reviewer agent to a single OpenAI
// endpoint, normally the test server's URL.
func reviewerLLMConfig(url string) *config.LLMConfig {
	return &config.LLMConfig{
		Endpoints: map[string]*config.EndpointConfig{
			"review-ep": {Protocol: config.ProtocolOpenAI, BaseURL: url, Priority: 1},
		},
		Models: map[string]*config.ModelConfig{
			"reviewer-model": {Endpoints: []string{"review-ep"}},
		},
		Tiers: map[string]*config.TierConfig{
			config.TierMedium: {Primary: "reviewer-model"},
		},
		Agents: map[string]*config.AgentModelConfig{
			"quality-reviewer": {Primary: "reviewer-model"},
		},
		Defaults: config.DefaultLLMDefaults(),
	}
}
