package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/clue/log"
)

// ChatClient captures the subset of the OpenAI client used by the structured
// decider.
type ChatClient interface {
	Complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// ModelOptions configures the model-backed decider.
type ModelOptions struct {
	Client ChatClient
	Model  string
}

// ModelDecider produces decisions through the OpenAI Chat Completions API
// instead of the owning agent. It is used when a deployment routes decision
// making to a dedicated model rather than the agent runtime.
type ModelDecider struct {
	chat  ChatClient
	model string
}

// NewModelDecider builds a model-backed decider.
func NewModelDecider(opts ModelOptions) (*ModelDecider, error) {
	if opts.Client == nil {
		return nil, errors.New("chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	return &ModelDecider{chat: opts.Client, model: opts.Model}, nil
}

// NewModelDeciderFromAPIKey constructs the decider with the default OpenAI
// HTTP client.
func NewModelDeciderFromAPIKey(apiKey, model string) (*ModelDecider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewModelDecider(ModelOptions{Client: chatAdapter{client: client}, Model: model})
}

const decisionSystemPrompt = "You are a delegation engine for a team of virtual employees. " +
	"Decide whether the current agent should handle the task, delegate it to one teammate, " +
	"split it into parallel subtasks, or ask the user for clarification. " +
	"Respond with a single JSON object only."

// Decide runs the structured decision with schema validation and the same
// retry-then-fallback contract as the agent-backed decider.
func (d *ModelDecider) Decide(ctx context.Context, in DecideInput) (Decision, error) {
	prompt := decidePrompt(in)
	var lastErr error
	for attempt := 1; attempt <= maxContractAttempts; attempt++ {
		resp, err := d.chat.Complete(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(d.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(decisionSystemPrompt),
				openai.UserMessage(prompt),
			},
		})
		if err != nil {
			return Decision{}, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return Decision{}, errors.New("chat completion returned no choices")
		}
		decision, err := ParseDecision(resp.Choices[0].Message.Content)
		if err == nil {
			err = validateTarget(decision, in.Peers)
		}
		if err == nil {
			decision.Method = MethodModel
			return decision, nil
		}
		lastErr = err
		log.Info(ctx, log.KV{K: "msg", V: "model decision contract retry"},
			log.KV{K: "attempt", V: attempt})
		prompt = tightenPrompt(prompt, lastErr)
	}
	log.Error(ctx, lastErr, log.KV{K: "msg", V: "model decision validation exhausted, handling locally"})
	return Fallback(), nil
}

// chatAdapter binds the concrete OpenAI client to ChatClient.
type chatAdapter struct {
	client openai.Client
}

func (a chatAdapter) Complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return a.client.Chat.Completions.New(ctx, params)
}
