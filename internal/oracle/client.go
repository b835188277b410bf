// internal/oracle/client.go
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/llmutil"
)

// Options tunes client behavior shared by all model configs.
type Options struct {
	// Timeout bounds a single call, including connection setup and body
	// read. Zero falls back to 60s.
	Timeout time.Duration
	// RequestsPerMinute paces calls against the endpoint. Zero disables
	// pacing.
	RequestsPerMinute int
}

// Client talks to an OpenAI-compatible chat-completion endpoint and parses
// each reply into a candidate graph fragment. It performs no retries: a
// failed segment is the orchestrator's business, and silent retry against a
// metered API multiplies cost.
type Client struct {
	cfg        schemas.ModelConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// Compile-time check that Client satisfies the Oracle boundary.
var _ schemas.Oracle = (*Client)(nil)

// NewClient validates the model config and builds a client.
func NewClient(cfg schemas.ModelConfig, opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oracle base URL is required")
	}
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("oracle model id is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        logger.Named("oracle"),
	}, nil
}

// Factory returns a schemas.OracleFactory binding these options, so the
// orchestrator can build a client per submitted model config.
func Factory(opts Options, logger *zap.Logger) schemas.OracleFactory {
	return func(cfg schemas.ModelConfig) (schemas.Oracle, error) {
		return NewClient(cfg, opts, logger)
	}
}

// -- Chat-completion wire structures --

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends one segment to the oracle and returns the extracted fragment.
// Cancellation is honored before dispatch and while the request is in
// flight; it surfaces as KindCancelled, distinct from genuine failures.
func (c *Client) Invoke(ctx context.Context, systemPrompt, userText string) (*schemas.GraphFragment, error) {
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userText},
	}, true)
	if err != nil {
		return nil, err
	}

	fragment, err := llmutil.ParseJSONResponse[schemas.GraphFragment](content)
	if err != nil {
		return nil, newError(KindMalformedResponse, err)
	}
	if err := validateFragment(fragment); err != nil {
		return nil, newError(KindMalformedResponse, err)
	}
	return fragment, nil
}

// Probe sends a minimal round-trip to verify the endpoint and credentials.
func (c *Client) Probe(ctx context.Context) (string, error) {
	return c.complete(ctx, []chatMessage{
		{Role: "user", Content: "Reply with the single word: ok"},
	}, false)
}

func (c *Client) complete(ctx context.Context, messages []chatMessage, forceJSON bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError(KindCancelled, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", newError(KindCancelled, err)
		}
	}

	payload := chatCompletionRequest{
		Model:    c.cfg.ModelID,
		Messages: messages,
	}
	if forceJSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", newError(KindTransport, fmt.Errorf("marshaling request payload: %w", err))
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", newError(KindTransport, fmt.Errorf("creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A caller-side cancel aborts the in-flight request; everything
		// else, including our own per-call timeout, is a transport failure.
		if ctx.Err() == context.Canceled {
			return "", newError(KindCancelled, ctx.Err())
		}
		return "", newError(KindTransport, fmt.Errorf("request to %s failed: %w", url, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", newError(KindCancelled, ctx.Err())
		}
		return "", newError(KindTransport, fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", newError(KindTransport, fmt.Errorf("oracle API error %d: %s", resp.StatusCode, truncateBody(respBody)))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", newError(KindMalformedResponse, fmt.Errorf("decoding completion envelope: %w", err))
	}
	if len(completion.Choices) == 0 {
		return "", newError(KindMalformedResponse, fmt.Errorf("completion contains no choices"))
	}

	c.log.Debug("Oracle call complete",
		zap.String("model", c.cfg.ModelID),
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("prompt_tokens", completion.Usage.PromptTokens),
		zap.Int("completion_tokens", completion.Usage.CompletionTokens),
	)
	return completion.Choices[0].Message.Content, nil
}

// validateFragment enforces the structural contract: nodes carry non-empty
// id and label, edges carry non-empty endpoints. Semantic correctness of the
// oracle's output is out of scope.
func validateFragment(f *schemas.GraphFragment) error {
	for i, n := range f.Nodes {
		if strings.TrimSpace(n.ID) == "" || strings.TrimSpace(n.Label) == "" {
			return fmt.Errorf("node %d is missing id or label", i)
		}
	}
	for i, e := range f.Edges {
		if strings.TrimSpace(e.Source) == "" || strings.TrimSpace(e.Target) == "" {
			return fmt.Errorf("edge %d is missing source or target", i)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	const maxLen = 500
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
