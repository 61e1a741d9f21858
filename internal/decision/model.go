package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ModelSource calls an OpenAI-compatible chat-completions endpoint and
// parses the reply into a Decision. One ModelSource belongs to exactly
// one strategy context.
type ModelSource struct {
	BaseURL string
	APIKey  string
	Model   string

	// HTTPClient may be overridden for tests; nil gets a default with a
	// request timeout.
	HTTPClient *http.Client
}

const modelRequestTimeout = 90 * time.Second

func (s *ModelSource) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: modelRequestTimeout}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
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
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const systemMessage = "You are a perpetual futures trading assistant. " +
	"Reply with a single JSON object with fields signal (BUY/SELL/CLOSE/HOLD), " +
	"confidence (HIGH/MEDIUM/LOW), leverage, quantity, stop_loss, take_profit, reason. " +
	"No prose outside the JSON."

// Decide sends the cycle input to the model and parses its reply.
// Transport and API failures are returned as errors; the caller decides
// whether to substitute the fallback HOLD.
func (s *ModelSource) Decide(ctx context.Context, in Input) (Decision, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal decision input: %w", err)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: s.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMessage},
			{Role: "user", Content: string(payload)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Decision{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := s.client().Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("call decision model: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("decision model returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Decision{}, fmt.Errorf("decode model response: %w", err)
	}
	if parsed.Error != nil {
		return Decision{}, fmt.Errorf("decision model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Decision{}, fmt.Errorf("decision model returned no choices")
	}

	price := 0.0
	if in.Snapshot != nil {
		price = in.Snapshot.Price
	}
	return Parse(parsed.Choices[0].Message.Content, in.Limits, price), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
