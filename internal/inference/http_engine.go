package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures the OpenAI-compatible adapter.
type HTTPConfig struct {
	BaseURL     string
	APIKey      string // optional for local engines
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultHTTPConfig returns defaults for a local engine endpoint.
func DefaultHTTPConfig(baseURL, model string) HTTPConfig {
	return HTTPConfig{
		BaseURL:     baseURL,
		Model:       model,
		MaxTokens:   4096,
		Temperature: 0.7,
		Timeout:     120 * time.Second,
	}
}

// HTTPEngine talks the OpenAI chat-completions wire format.
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPEngine builds the adapter.
func NewHTTPEngine(config HTTPConfig) *HTTPEngine {
	return &HTTPEngine{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate implements Engine.
func (e *HTTPEngine) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := e.post(ctx, prompt, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("engine error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("engine returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// GenerateStream implements Engine using server-sent events.
func (e *HTTPEngine) GenerateStream(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error) {
	body, err := e.post(ctx, prompt, true)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var assembled strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var parsed chatResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue // tolerate keep-alive noise between events
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("engine error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		chunk := parsed.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		assembled.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream error: %w", err)
	}
	return assembled.String(), nil
}

func (e *HTTPEngine) post(ctx context.Context, prompt string, stream bool) (io.ReadCloser, error) {
	payload := chatRequest{
		Model:       e.config.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   e.config.MaxTokens,
		Temperature: e.config.Temperature,
		Stream:      stream,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("engine request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
