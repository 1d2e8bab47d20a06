package llm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/jllopis/codeagent/pkg/errors"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements the Provider interface on top of the Ollama API client.
type OllamaProvider struct {
	client  *api.Client
	baseURL string
}

// NewOllama creates a new OllamaProvider.
// The HTTP client carries no timeout of its own; callers bound each call with
// the request context.
func NewOllama(baseURL string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New(errors.CodeInvalidInput, "invalid ollama url", err).
			WithContext("url", baseURL)
	}
	return &OllamaProvider{
		client:  api.NewClient(parsed, http.DefaultClient),
		baseURL: baseURL,
	}, nil
}

// BaseURL returns the server URL the provider talks to.
func (p *OllamaProvider) BaseURL() string { return p.baseURL }

// Chat sends a non-streaming chat request to Ollama and maps the response.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	stream := false
	oReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if req.Temperature != 0 {
		oReq.Options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		oReq.Options["num_predict"] = req.MaxTokens
	}
	if req.Format == FormatJSON {
		oReq.Format = json.RawMessage(`"json"`)
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, oReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return nil, classifyOllamaError(ctx, req.Model, err)
	}

	return &ChatResponse{
		Content:    response.Message.Content,
		DoneReason: response.DoneReason,
		Usage: Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
			TotalTokens:      response.PromptEvalCount + response.EvalCount,
		},
	}, nil
}

func toOllamaMessages(msgs []Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// classifyOllamaError maps transport failures onto MODEL_ERROR. Client-side
// request errors (bad model name, malformed request) are not retried.
func classifyOllamaError(ctx context.Context, model string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	ae := errors.New(errors.CodeModel, "ollama chat failed", err).WithContext("model", model)

	var status api.StatusError
	if stderrors.As(err, &status) {
		ae.WithContext("status", status.StatusCode)
		if status.StatusCode >= 400 && status.StatusCode < 500 && status.StatusCode != http.StatusTooManyRequests {
			ae.WithRecoverable(false)
		}
		return ae
	}
	if strings.Contains(err.Error(), "not found") && strings.Contains(err.Error(), "model") {
		ae.WithRecoverable(false)
	}
	return ae
}
