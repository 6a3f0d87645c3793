// Package genai wraps the OpenAI client for the assistance gate: short,
// bounded completions that interpret user input a scripted rule could
// not classify, and linguistic reflections of the user's own words.
//
// Every call here fails open. A timeout, API error, or empty completion
// yields an unsuccessful result, never an error the session would see.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mindshift-labs/mindpipe/internal/models"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 10 * time.Second

// gpt-4o-mini pricing per one million tokens, for cost attribution.
const (
	inputCostPerMTok  = 0.15
	outputCostPerMTok = 0.60
)

// completionService abstracts the chat completion endpoint for testing.
type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// ClientInterface is the surface the API layer depends on, so handlers
// can be tested with a fake gate.
type ClientInterface interface {
	Interpret(ctx context.Context, req models.AssistanceRequest) models.AssistanceResult
	Reflect(ctx context.Context, stepPrompt, userInput string) (string, bool)
}

// Client calls OpenAI chat completions for the assistance gate.
type Client struct {
	completions completionService
	model       openai.ChatModel
	timeout     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the completion model.
func WithModel(model openai.ChatModel) Option {
	return func(c *Client) { c.model = model }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// withCompletionService injects a fake completion backend in tests.
func withCompletionService(svc completionService) Option {
	return func(c *Client) { c.completions = svc }
}

// NewClient creates a genai client with the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	c := &Client{
		completions: &cli.Chat.Completions,
		model:       openai.ChatModelGPT4oMini,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	slog.Debug("Client.NewClient: genai client created", "model", c.model, "timeout", c.timeout)
	return c, nil
}

// Interpret asks the model to restate unclassifiable user input so the
// step's scripted rules can accept it. The result is advisory: the
// caller re-validates before anything advances.
func (c *Client) Interpret(ctx context.Context, req models.AssistanceRequest) models.AssistanceResult {
	system := interpretSystemPrompt(req)
	user := fmt.Sprintf("The user said: %q\nRestate this so it fits the current question.", req.UserInput)

	text, tokens, cost, err := c.complete(ctx, system, user)
	if err != nil {
		slog.Warn("Client.Interpret: completion failed, failing open", "error", err, "sessionID", req.SessionID, "step", req.StepID)
		return models.AssistanceResult{Success: false}
	}
	if text == "" {
		slog.Warn("Client.Interpret: empty completion, failing open", "sessionID", req.SessionID, "step", req.StepID)
		return models.AssistanceResult{Success: false, Tokens: tokens, Cost: cost}
	}
	slog.Info("Client.Interpret: interpretation produced", "sessionID", req.SessionID, "step", req.StepID, "tokens", tokens)
	return models.AssistanceResult{
		Success:          true,
		ImprovedResponse: text,
		Tokens:           tokens,
		Cost:             cost,
	}
}

// Reflect rewrites the user's words for grammatical splicing into the
// next scripted prompt ("feeling anxious" for "I feel anxious"). The
// second return is false when the raw input should be used as-is.
func (c *Client) Reflect(ctx context.Context, stepPrompt, userInput string) (string, bool) {
	system := "You rephrase a person's words so they read naturally inside a sentence. " +
		"Keep their vocabulary, keep it short, change only grammar. " +
		"Reply with the rephrased words only, no quotes, no commentary."
	user := fmt.Sprintf("Sentence: %q\nTheir words: %q\nRephrase their words to fit the sentence.", stepPrompt, userInput)

	text, _, _, err := c.complete(ctx, system, user)
	if err != nil || text == "" {
		slog.Warn("Client.Reflect: completion failed, using raw input", "error", err)
		return "", false
	}
	return text, true
}

// complete runs one bounded chat completion and returns the trimmed
// text plus usage accounting.
func (c *Client) complete(ctx context.Context, system, user string) (string, int64, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("chat completion: %w", err)
	}
	tokens := resp.Usage.TotalTokens
	cost := float64(resp.Usage.PromptTokens)*inputCostPerMTok/1e6 +
		float64(resp.Usage.CompletionTokens)*outputCostPerMTok/1e6
	if len(resp.Choices) == 0 {
		return "", tokens, cost, nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), tokens, cost, nil
}

func interpretSystemPrompt(req models.AssistanceRequest) string {
	var b strings.Builder
	b.WriteString("You assist a scripted guided session. The script asked a question and the user's reply could not be classified. ")
	b.WriteString("Restate the user's reply as a short answer that directly fits the question. ")
	b.WriteString("Never add content the user did not express. Reply with the restated answer only.\n")
	if prompt := req.Context["prompt"]; prompt != "" {
		fmt.Fprintf(&b, "Current question: %q\n", prompt)
	}
	if problem := req.Context["problem"]; problem != "" {
		fmt.Fprintf(&b, "The session is working on: %q\n", problem)
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "Why it could not be classified: %s\n", req.Reason)
	}
	switch req.Trigger {
	case "goal_stated":
		b.WriteString("The user stated a goal. Restate it as the underlying problem, in a few words.\n")
	case "ambiguous_confirmation":
		b.WriteString("The question expects yes or no. If the reply leans one way, answer with that single word; otherwise leave it ambiguous.\n")
	case "unrecognized_selection":
		b.WriteString("The question offers a numbered list of methods. If the reply describes one of them, answer with that method's name.\n")
	}
	return b.String()
}
