// Package llm is a small client for an Ollama-compatible generation
// backend. It serves both automated replies and the crisis judge.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tbourn/go-crisis-chat/internal/config"
)

// ErrEmptyResponse is returned when the backend answers without text.
var ErrEmptyResponse = errors.New("llm: empty response")

// UpstreamError carries a non-2xx answer from the backend.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm: upstream status %d: %s", e.Status, e.Message)
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Client talks to POST {base}/api/generate with streaming disabled.
type Client struct {
	baseURL    string
	chatModel  string
	judgeModel string
	http       *http.Client
}

// New builds a client from cfg. hc may be nil; a client with cfg.Timeout is
// created in that case.
func New(cfg config.LLMConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		chatModel:  cfg.ChatModel,
		judgeModel: cfg.JudgeModel,
		http:       hc,
	}
}

// ChatModel returns the model used for automated replies.
func (c *Client) ChatModel() string { return c.chatModel }

// Ask sends prompt to model and returns the generated text. An empty model
// means the chat model.
func (c *Client) Ask(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = c.chatModel
	}
	ctx, span := otel.Tracer("llm").Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.prompt_len", len(prompt)))

	out, err := c.generate(ctx, generateRequest{Model: model, Prompt: prompt})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

// Classify asks the judge model to grade text following instruction. An
// empty answer is returned as "" with a nil error: it is malformed output for
// the caller to grade, not a transport failure.
func (c *Client) Classify(ctx context.Context, text, instruction string) (string, error) {
	prompt := fmt.Sprintf("%s\n\nTexto: %q\n\nSua análise:", instruction, text)
	out, err := c.Ask(ctx, prompt, c.judgeModel)
	if errors.Is(err, ErrEmptyResponse) {
		return "", nil
	}
	return out, err
}

func (c *Client) generate(ctx context.Context, body generateRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var gr generateResponse
	decErr := json.Unmarshal(raw, &gr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if decErr == nil && gr.Error != "" {
			msg = gr.Error
		}
		return "", &UpstreamError{Status: resp.StatusCode, Message: msg}
	}
	if decErr != nil {
		return "", fmt.Errorf("llm: decode response: %w", decErr)
	}
	if strings.TrimSpace(gr.Response) == "" {
		return "", ErrEmptyResponse
	}
	return gr.Response, nil
}
