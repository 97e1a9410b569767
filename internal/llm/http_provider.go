package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"storyrt/internal/config"
)

// httpStatusError marks a non-2xx HTTP response so classifyTransportErr
// can tag it NARRATIVE_HTTP_STATUS and retain the response body as the
// redacted raw snippet.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("llm endpoint returned HTTP %d", e.status)
}

// HTTPProvider targets a configured OpenAI-compatible chat-completions
// endpoint with bearer auth, the idiom carried over from the hosted
// adapter's request/response handling. The request body is
// deliberately minimal: {model, messages, temperature} (§4.G).
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPProvider builds the HTTP provider from LLM configuration.
func NewHTTPProvider(cfg config.LLMConfig) *HTTPProvider {
	return &HTTPProvider{
		name:     cfg.ProviderName,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete posts the two-message chat body and returns the first
// choice's content as the raw reply for schema decoding.
func (p *HTTPProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", newParseError(KindJSONParse, string(raw), err)
	}
	if len(parsed.Choices) == 0 {
		return "", newParseError(KindSchemaValidate, string(raw), errNoChoices)
	}
	return parsed.Choices[0].Message.Content, nil
}
