// Package ai wraps large-language-model providers behind a small
// generator interface and builds the analysis and asset agents on top.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Completion is one model response with its token accounting.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// TextGenerator generates text from a system prompt and user prompt.
// Every provider (OpenAI-compatible, Gemini, Ollama) implements it.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload and decodes a 2xx body into out. Transport
// failures and error statuses come back as *ProviderError.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any, errMessage func([]byte) string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &ProviderError{Provider: provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := resp.Status
		if errMessage != nil {
			if m := errMessage(raw); m != "" {
				msg = m
			}
		}
		return &ProviderError{Provider: provider, Status: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: provider, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func emptyResponse(provider string) error {
	return &ProviderError{Provider: provider, Status: http.StatusBadGateway, Message: fmt.Sprintf("empty response from %s", provider)}
}
