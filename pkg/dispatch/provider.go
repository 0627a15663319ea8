package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/gitpulse/dispatch/pkg/transport"
)

// FallbackProvider is the name tagged on results produced by the static
// local responder after every configured provider is exhausted.
const FallbackProvider = "fallback-static"

// Request is one logical completion request.
type Request struct {
	Prompt    string
	MaxTokens int
}

// Result is the outcome of one dispatch. Immutable once returned.
// Dispatch never returns a Go error; failures are encoded here.
type Result struct {
	Success      bool
	ProviderUsed string
	Payload      string
	ErrorDetail  string
}

// ProviderSpec binds a registry provider name to the request shape and
// response format of one concrete backend service.
type ProviderSpec struct {
	// Name matches the provider's registry entry.
	Name string

	// Configured reports whether credentials are present. Mirrored
	// into the registry at dispatcher construction.
	Configured bool

	// NewRequest builds the upstream request for a logical request.
	NewRequest func(req Request) (transport.RequestSpec, error)

	// ParseResponse extracts the completion payload from a 2xx body.
	ParseResponse func(body []byte) (string, error)
}

// completionBody is the generic chat-completion response shape shared by
// OpenAI-compatible services such as OpenRouter.
type completionBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenRouterProvider returns a ProviderSpec for the OpenRouter chat
// completions API. An empty apiKey leaves the provider unconfigured.
func OpenRouterProvider(apiKey, model, baseURL string) ProviderSpec {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if model == "" {
		model = "meta-llama/llama-3.1-8b-instruct"
	}

	return ProviderSpec{
		Name:       "openrouter",
		Configured: apiKey != "",
		NewRequest: func(req Request) (transport.RequestSpec, error) {
			payload := map[string]any{
				"model": model,
				"messages": []map[string]string{
					{"role": "user", "content": req.Prompt},
				},
			}
			if req.MaxTokens > 0 {
				payload["max_tokens"] = req.MaxTokens
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return transport.RequestSpec{}, fmt.Errorf("marshal openrouter request: %w", err)
			}
			return transport.RequestSpec{
				Method: "POST",
				URL:    baseURL + "/chat/completions",
				Headers: map[string]string{
					"Authorization": "Bearer " + apiKey,
					"Content-Type":  "application/json",
				},
				Body: body,
			}, nil
		},
		ParseResponse: func(body []byte) (string, error) {
			var parsed completionBody
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", fmt.Errorf("parse openrouter response: %w", err)
			}
			if len(parsed.Choices) == 0 {
				return "", fmt.Errorf("openrouter response has no choices")
			}
			return parsed.Choices[0].Message.Content, nil
		},
	}
}

// geminiBody is the Gemini generateContent response shape.
type geminiBody struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GeminiProvider returns a ProviderSpec for the Gemini generateContent
// API. An empty apiKey leaves the provider unconfigured.
func GeminiProvider(apiKey, model, baseURL string) ProviderSpec {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}

	return ProviderSpec{
		Name:       "gemini",
		Configured: apiKey != "",
		NewRequest: func(req Request) (transport.RequestSpec, error) {
			payload := map[string]any{
				"contents": []map[string]any{
					{"parts": []map[string]string{{"text": req.Prompt}}},
				},
			}
			if req.MaxTokens > 0 {
				payload["generationConfig"] = map[string]int{"maxOutputTokens": req.MaxTokens}
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return transport.RequestSpec{}, fmt.Errorf("marshal gemini request: %w", err)
			}
			return transport.RequestSpec{
				Method: "POST",
				URL:    fmt.Sprintf("%s/models/%s:generateContent", baseURL, model),
				Headers: map[string]string{
					"x-goog-api-key": apiKey,
					"Content-Type":   "application/json",
				},
				Body: body,
			}, nil
		},
		ParseResponse: func(body []byte) (string, error) {
			var parsed geminiBody
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", fmt.Errorf("parse gemini response: %w", err)
			}
			if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
				return "", fmt.Errorf("gemini response has no candidates")
			}
			return parsed.Candidates[0].Content.Parts[0].Text, nil
		},
	}
}

// FallbackFunc produces the deterministic local payload used when every
// configured provider is exhausted. It must not fail.
type FallbackFunc func(req Request) string

// defaultFallback is the static last-resort responder. It degrades
// answer quality, never availability.
func defaultFallback(req Request) string {
	return "Service temporarily degraded; no live completion is available for this request."
}
