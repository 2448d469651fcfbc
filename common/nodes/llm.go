package nodes

import (
	"context"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/store"
)

const llmDoc = `Node: llm

Sends a prompt to a language model and exposes the completion. Usage is
recorded in the execution trace.

Interface:
- Params: prompt: string
- Params: model: string  # default gpt-4o-mini
- Params: system: string|null
- Params: temperature: float  # default 0.7
- Writes: shared["response"]: string
- Writes: shared["model"]: string
- Writes: shared["prompt_tokens"]: int
- Writes: shared["output_tokens"]: int
- Actions: default
`

// ChatClient abstracts the model provider for tests
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ChatRequest is one completion call
type ChatRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float32
}

// ChatResponse is the completion and its usage
type ChatResponse struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// OpenAIClient implements ChatClient against the OpenAI API
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client from OPENAI_API_KEY
func NewOpenAIClient() *OpenAIClient {
	return &OpenAIClient{client: openai.NewClient(os.Getenv("OPENAI_API_KEY"))}
}

// Complete implements ChatClient
func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Prompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return ChatResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, flowerr.New(flowerr.CategoryLLM, "model %s returned no choices", req.Model)
	}
	return ChatResponse{
		Text:         resp.Choices[0].Message.Content,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

type llmNode struct {
	node.Base
	chat ChatClient
}

func (n *llmNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	prompt := n.StringParam("prompt", "")
	if prompt == "" {
		return nil, flowerr.New(flowerr.CategoryValidation, "llm node requires a prompt param").
			WithSuggestion("set params.prompt; references like ${parse.summary} interpolate into it")
	}
	if n.chat == nil {
		return nil, flowerr.New(flowerr.CategoryLLM, "no model provider configured").
			WithSuggestion("set OPENAI_API_KEY or inject a ChatClient")
	}

	req := ChatRequest{
		Model:       n.StringParam("model", "gpt-4o-mini"),
		System:      n.StringParam("system", ""),
		Prompt:      prompt,
		Temperature: float32(floatParam(n.Params, "temperature", 0.7)),
	}
	return req, nil
}

func (n *llmNode) Exec(ctx context.Context, prep any) (any, error) {
	req := prep.(ChatRequest)

	start := time.Now()
	resp, err := n.chat.Complete(ctx, req)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryLLM, err, "completion with model %s", req.Model)
	}

	node.RecordLLM(ctx, node.LLMRecord{
		Model:        req.Model,
		Prompt:       req.Prompt,
		Response:     resp.Text,
		PromptTokens: resp.PromptTokens,
		OutputTokens: resp.OutputTokens,
		DurationMS:   time.Since(start).Milliseconds(),
	})
	return resp, nil
}

func (n *llmNode) ExecFallback(_ context.Context, prep any, execErr error) (any, error) {
	req := prep.(ChatRequest)
	return nil, flowerr.AsError(execErr).
		WithSuggestion("check provider credentials and that model %q exists; transient rate limits respond to higher retries/wait_ms", req.Model)
}

func (n *llmNode) Post(_ context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	req := prep.(ChatRequest)
	resp := result.(ChatResponse)

	shared.Set("response", resp.Text)
	shared.Set("model", req.Model)
	shared.Set("prompt_tokens", resp.PromptTokens)
	shared.Set("output_tokens", resp.OutputTokens)
	return "", nil
}

func floatParam(params map[string]any, name string, fallback float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}
