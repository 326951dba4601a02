package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/codeready-toolchain/conductor/pkg/llm"
)

// parseFailureReasoning is reported when the model's verdict is not
// decodable JSON.
const parseFailureReasoning = "Failed to parse LLM response"

const reviewSystemPrompt = `You are a quality gate reviewing completed work.
Judge strictly against the review instruction. Respond with ONLY a JSON
object of the literal shape {"passed": <boolean>, "reasoning": "<string>"}
and nothing else.`

// Completer is the completion surface the reviewer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Reviewer delivers a pass/fail verdict for a review prompt.
type Reviewer interface {
	Review(ctx context.Context, prompt string, reviewCtx map[string]any) (passed bool, reasoning string, err error)
}

// LLMReviewer asks a configured agent for a {passed, reasoning} verdict.
type LLMReviewer struct {
	client  Completer
	agentID string
}

// NewLLMReviewer creates a reviewer routing through the given agent id.
func NewLLMReviewer(client Completer, agentID string) *LLMReviewer {
	if client == nil {
		panic("gates: completer is required")
	}
	if agentID == "" {
		agentID = "quality-reviewer"
	}
	return &LLMReviewer{client: client, agentID: agentID}
}

type reviewVerdict struct {
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
}

// Review sends the prompt plus serialized context and decodes the verdict.
// An undecodable verdict fails the gate rather than erroring: the model
// answered, it just answered badly.
func (r *LLMReviewer) Review(ctx context.Context, prompt string, reviewCtx map[string]any) (bool, string, error) {
	user := prompt
	if len(reviewCtx) > 0 {
		ctxJSON, err := json.MarshalIndent(reviewCtx, "", "  ")
		if err != nil {
			return false, "", fmt.Errorf("encode review context: %w", err)
		}
		user = fmt.Sprintf("%s\n\nContext:\n%s", prompt, ctxJSON)
	}

	resp, err := r.client.Complete(ctx, llm.Request{
		AgentID: r.agentID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: reviewSystemPrompt},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err != nil {
		return false, "", err
	}

	raw := extractJSON(resp.Content)
	if raw == "" {
		return false, parseFailureReasoning, nil
	}
	var verdict reviewVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return false, parseFailureReasoning, nil
	}
	return verdict.Passed, verdict.Reasoning, nil
}

var (
	// jsonBlockPattern matches JSON inside markdown code fences.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON pulls a JSON object out of a model response that may wrap it
// in markdown fences or prose, and strips trailing commas.
func extractJSON(content string) string {
	var raw string
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		raw = matches[1]
	} else {
		raw = jsonObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return trailingCommaPattern.ReplaceAllString(raw, "$1")
}
