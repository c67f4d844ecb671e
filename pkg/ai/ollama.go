package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator uses the Ollama /api/chat endpoint.
type OllamaGenerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaGenerator(baseURL, model string, timeout time.Duration) *OllamaGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaGenerator{
		baseURL:    baseURL,
		model:      strings.TrimSpace(model),
		httpClient: newHTTPClient(timeout),
	}
}

func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	if g.model == "" {
		return Completion{}, fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})

	var resp ollamaChatResponse
	req := ollamaChatRequest{Model: g.model, Messages: messages, Stream: false, Format: "json"}
	if err := postJSON(ctx, g.httpClient, "ollama", g.baseURL+"/api/chat", nil, req, &resp, ollamaErrorMessage); err != nil {
		return Completion{}, err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return Completion{}, emptyResponse("ollama")
	}
	return Completion{Text: resp.Message.Content, TokensIn: resp.PromptEvalCount, TokensOut: resp.EvalCount}, nil
}

func ollamaErrorMessage(raw []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &errResp)
	return errResp.Error
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}
