package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/josefeneto/fiscalia/internal/config"
	"github.com/josefeneto/fiscalia/internal/logger"
)

const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	openaiBaseURL = "https://api.openai.com/v1"
)

// Client answers free-text prompts. Groq and OpenAI both expose the same
// chat-completions surface, so one implementation covers both providers.
type Client interface {
	GenerateText(ctx context.Context, system, user string) (string, error)
	Provider() string
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	provider   string
	httpClient *http.Client
	maxRetries int
}

// NewFromConfig builds the client for the configured provider. Returns nil
// (no error) when the provider is "none": free-text queries are disabled.
func NewFromConfig(cfg *config.Config, log *logger.Logger) (Client, error) {
	switch cfg.LLMProvider {
	case config.ProviderGroq:
		return newClient(log, groqBaseURL, cfg.GroqAPIKey, cfg.GroqModel, config.ProviderGroq)
	case config.ProviderOpenAI:
		return newClient(log, openaiBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, config.ProviderOpenAI)
	case config.ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLMProvider)
	}
}

func newClient(log *logger.Logger, baseURL, apiKey, model, provider string) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing API key for provider %s", provider)
	}
	return &client{
		log:        log.With("service", "LLMClient", "provider", provider),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		provider:   provider,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
	}, nil
}

func (c *client) Provider() string { return c.provider }

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func isRetryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	// Network-level failures are worth one more try.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

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
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *client) GenerateText(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}

	var resp chatResponse
	if err := c.do(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("llm error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("llm returned empty content")
	}
	return text, nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			return json.Unmarshal(raw, out)
		}

		if !isRetryable(err) || attempt == c.maxRetries {
			return err
		}

		sleepFor := retryAfter(err, backoff)
		c.log.Warn("llm request retrying",
			"path", path, "attempt", attempt+1, "sleep", sleepFor.String(), "error", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return errors.New("unreachable retry loop")
}

func (c *client) doOnce(ctx context.Context, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// retryAfter honours the Retry-After hint embedded in 429 bodies when present,
// capped so a misbehaving server cannot stall the caller.
func retryAfter(err error, fallback time.Duration) time.Duration {
	var he *httpError
	if errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests {
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal([]byte(he.Body), &payload); jsonErr == nil {
			if secs := extractSeconds(payload.Error.Message); secs > 0 {
				d := time.Duration(secs) * time.Second
				if d > 30*time.Second {
					d = 30 * time.Second
				}
				return d
			}
		}
	}
	return fallback
}

// extractSeconds finds "try again in Ns" style hints.
func extractSeconds(msg string) int {
	fields := strings.Fields(msg)
	for i, f := range fields {
		if f == "in" && i+1 < len(fields) {
			numeric := strings.TrimRight(fields[i+1], "s.,")
			if v, err := strconv.Atoi(numeric); err == nil {
				return v
			}
		}
	}
	return 0
}
