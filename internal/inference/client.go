// Package inference calls the script generation backend.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for requests rejected locally or by the
// backend with a 4xx status.
var ErrInvalidRequest = errors.New("invalid generation request")

// GenerateRequest describes the script to produce.
type GenerateRequest struct {
	Topic           string `json:"topic" validate:"required,max=200"`
	Hook            string `json:"hook,omitempty" validate:"max=500"`
	Tone            string `json:"tone,omitempty" validate:"omitempty,oneof=casual professional playful urgent"`
	Platform        string `json:"platform,omitempty" validate:"omitempty,oneof=tiktok instagram youtube linkedin"`
	DurationSeconds int    `json:"duration_seconds,omitempty" validate:"omitempty,min=5,max=600"`
}

// Script is the backend's answer.
type Script struct {
	Text   string `json:"text"`
	Model  string `json:"model,omitempty"`
	Tokens int    `json:"tokens,omitempty"`
}

// Client posts generation requests through the inference breaker. It never
// retries.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	breaker  *resilience.Breaker
	validate *validator.Validate
	logger   *zap.Logger
}

func NewClient(baseURL, apiKey string, breaker *resilience.Breaker, lg *zap.Logger) *Client {
	// The breaker enforces the per-call deadline; this only bounds connections
	// that never complete.
	hc := &http.Client{Timeout: 2 * time.Minute}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     hc,
		breaker:  breaker,
		validate: validator.New(),
		logger:   logger.OrNop(lg),
	}
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Script, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return resilience.Call(ctx, c.breaker, func(ctx context.Context) (*Script, error) {
		return c.generate(ctx, req)
	})
}

func (c *Client) generate(ctx context.Context, req GenerateRequest) (*Script, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("inference backend returned %d: %s", resp.StatusCode, readSnippet(resp.Body))
	case resp.StatusCode >= 400:
		return nil, resilience.CallerFault(fmt.Errorf("%w: backend returned %d: %s",
			ErrInvalidRequest, resp.StatusCode, readSnippet(resp.Body)))
	}

	var script Script
	if err := json.NewDecoder(resp.Body).Decode(&script); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if strings.TrimSpace(script.Text) == "" {
		return nil, errors.New("inference backend returned an empty script")
	}
	c.logger.Debug("Script generated", zap.String("model", script.Model), zap.Int("tokens", script.Tokens))
	return &script, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
