package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteConfig points at an OpenAI-compatible chat completions endpoint.
type RemoteConfig struct {
	Endpoint     string
	Model        string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
}

// Remote generates every phase through a chat completion call. The reply
// text is stored as {"content": "..."}.
type Remote struct {
	cfg        RemoteConfig
	httpClient *http.Client
}

var _ Executor = (*Remote)(nil)

func NewRemote(cfg RemoteConfig) *Remote {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Remote{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

type RemoteResult struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Remote) Execute(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if c == nil {
		return nil, fmt.Errorf("remote generator is nil")
	}
	if c.cfg.APIKey == "" || c.cfg.Endpoint == "" || c.cfg.Model == "" {
		return nil, fmt.Errorf("remote generator misconfigured")
	}

	body, err := json.Marshal(map[string]any{
		"model": c.cfg.Model,
		"messages": []chatMessage{
			{Role: "system", Content: safePrompt(c.cfg.SystemPrompt)},
			{Role: "user", Content: userPrompt(in)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	progress(10)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", in.Phase, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("generator error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("generator returned no content for %s", in.Phase)
	}
	progress(90)
	return json.Marshal(RemoteResult{Content: out.Choices[0].Message.Content, Model: out.Model})
}

func userPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\nTopic: %s\n", in.Phase, strings.TrimSpace(in.Topic))
	for _, prior := range in.Prior {
		fmt.Fprintf(&b, "\nOutput of %s:\n%s\n", prior.Phase, string(prior.Result))
	}
	return b.String()
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are an editorial assistant writing blog content. Produce only the output of the requested phase."
	}
	return prompt
}
