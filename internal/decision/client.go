// internal/decision/client.go
package decision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/config"
)

// agentInstructions primes the decision service for viewport control. The
// wording matters: it tells the model to verify each action against a fresh
// frame and to yield control when the task is done.
const agentInstructions = "You are an AI agent with the ability to control a browser. " +
	"You can control the keyboard and mouse. You take a screenshot after each " +
	"action to check if your action was successful. Once you have completed the " +
	"requested task you should stop running and pass back control to your human operator."

// SafetyCheck is a pending check the service wants acknowledged before the
// next instruction is honored.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Output is one round of decision-service output: assistant commentary, at
// most one instruction to execute, and the correlation id the feedback for
// that instruction must carry.
type Output struct {
	Messages      []string
	Instruction   schemas.Instruction
	CorrelationID string
	SafetyChecks  []SafetyCheck
}

// Service is the decision-making dependency of the agent loop. Exchanges are
// strictly sequential: each Continue names the id the previous call returned.
type Service interface {
	// StartExchange opens a new exchange seeded with the task text and the
	// current frame, returning the exchange id.
	StartExchange(ctx context.Context, task string, frame []byte) (string, error)

	// GetOutput fetches the service's output for an exchange.
	GetOutput(ctx context.Context, exchangeID string) (*Output, error)

	// ContinueExchange feeds the post-action frame back under the prior
	// exchange and instruction correlation id, returning the next exchange id.
	ContinueExchange(ctx context.Context, priorID, correlationID string, frame []byte, acknowledged []SafetyCheck) (string, error)
}

// Client talks to a computer-use responses API over HTTP.
type Client struct {
	cfg        config.DecisionConfig
	width      int
	height     int
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Service = (*Client)(nil)

// NewClient initializes the HTTP decision client.
func NewClient(cfg config.DecisionConfig, displayCfg config.DisplayConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("decision API key is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("decision endpoint is required")
	}
	return &Client{
		cfg:    cfg,
		width:  displayCfg.Width,
		height: displayCfg.Height,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("decision"),
	}, nil
}

// -- Wire structures (internal to this file) --

type computerTool struct {
	Type          string `json:"type"`
	DisplayWidth  int    `json:"display_width"`
	DisplayHeight int    `json:"display_height"`
	Environment   string `json:"environment"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type userTurn struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type callOutput struct {
	Type               string        `json:"type"`
	CallID             string        `json:"call_id"`
	Output             contentPart   `json:"output"`
	AcknowledgedChecks []SafetyCheck `json:"acknowledged_safety_checks,omitempty"`
}

type startRequest struct {
	Model        string            `json:"model"`
	Tools        []computerTool    `json:"tools"`
	Instructions string            `json:"instructions"`
	Input        []userTurn        `json:"input"`
	Reasoning    map[string]string `json:"reasoning,omitempty"`
	Truncation   string            `json:"truncation"`
}

type continueRequest struct {
	Model              string         `json:"model"`
	PreviousResponseID string         `json:"previous_response_id"`
	Tools              []computerTool `json:"tools"`
	Input              []callOutput   `json:"input"`
	Truncation         string         `json:"truncation"`
}

type outputItem struct {
	Type                string          `json:"type"`
	Text                string          `json:"text,omitempty"`
	Content             []contentPart   `json:"content,omitempty"`
	CallID              string          `json:"call_id,omitempty"`
	Action              json.RawMessage `json:"action,omitempty"`
	PendingSafetyChecks []SafetyCheck   `json:"pending_safety_checks,omitempty"`
}

type responseEnvelope struct {
	ID     string       `json:"id"`
	Output []outputItem `json:"output"`
}

func (c *Client) tools() []computerTool {
	return []computerTool{{
		Type:          "computer_use_preview",
		DisplayWidth:  c.width,
		DisplayHeight: c.height,
		Environment:   "browser",
	}}
}

func frameDataURL(frame []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(frame)
}

// StartExchange opens a new exchange with the task and the current frame.
func (c *Client) StartExchange(ctx context.Context, task string, frame []byte) (string, error) {
	payload := startRequest{
		Model:        c.cfg.Model,
		Tools:        c.tools(),
		Instructions: agentInstructions,
		Input: []userTurn{{
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: task},
				{Type: "input_image", ImageURL: frameDataURL(frame)},
			},
		}},
		Reasoning:  map[string]string{"generate_summary": "concise"},
		Truncation: "auto",
	}

	var envelope responseEnvelope
	if err := c.do(ctx, http.MethodPost, c.cfg.Endpoint+"/responses", payload, &envelope); err != nil {
		return "", fmt.Errorf("failed to start exchange: %w", err)
	}
	if envelope.ID == "" {
		return "", fmt.Errorf("decision service returned no exchange id")
	}
	c.logger.Info("Exchange started.", zap.String("exchange_id", envelope.ID))
	return envelope.ID, nil
}

// GetOutput fetches and interprets the output of an exchange. Only the first
// instruction is surfaced; if the service batched several, the rest are
// deliberately dropped and the feedback frame lets it re-decide.
func (c *Client) GetOutput(ctx context.Context, exchangeID string) (*Output, error) {
	var envelope responseEnvelope
	url := c.cfg.Endpoint + "/responses/" + exchangeID
	if err := c.do(ctx, http.MethodGet, url, nil, &envelope); err != nil {
		return nil, fmt.Errorf("failed to fetch exchange output: %w", err)
	}

	out := &Output{}
	for _, item := range envelope.Output {
		switch item.Type {
		case "text":
			if item.Text != "" {
				out.Messages = append(out.Messages, item.Text)
			}
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					out.Messages = append(out.Messages, part.Text)
				}
			}
		case "computer_call":
			if out.Instruction != nil {
				c.logger.Warn("Dropping extra instruction in exchange output.",
					zap.String("exchange_id", exchangeID))
				continue
			}
			instr, err := schemas.DecodeInstruction(item.Action)
			if err != nil {
				return nil, fmt.Errorf("malformed instruction in exchange %s: %w", exchangeID, err)
			}
			out.Instruction = instr
			out.CorrelationID = item.CallID
			out.SafetyChecks = item.PendingSafetyChecks
		}
	}
	return out, nil
}

// ContinueExchange feeds the post-action frame back and returns the next
// exchange id.
func (c *Client) ContinueExchange(ctx context.Context, priorID, correlationID string, frame []byte, acknowledged []SafetyCheck) (string, error) {
	payload := continueRequest{
		Model:              c.cfg.Model,
		PreviousResponseID: priorID,
		Tools:              c.tools(),
		Input: []callOutput{{
			Type:               "computer_call_output",
			CallID:             correlationID,
			Output:             contentPart{Type: "input_image", ImageURL: frameDataURL(frame)},
			AcknowledgedChecks: acknowledged,
		}},
		Truncation: "auto",
	}

	var envelope responseEnvelope
	if err := c.do(ctx, http.MethodPost, c.cfg.Endpoint+"/responses", payload, &envelope); err != nil {
		return "", fmt.Errorf("failed to continue exchange: %w", err)
	}
	if envelope.ID == "" {
		return "", fmt.Errorf("decision service returned no exchange id")
	}
	return envelope.ID, nil
}

// do executes one HTTP call with retries. Network errors and 429/5xx are
// transient and retried with exponential backoff; other failures are
// permanent.
func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
	}

	window := c.cfg.RetryWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = window
	b.MaxInterval = 5 * time.Second

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)
		if err != nil {
			c.logger.Warn("Network error during decision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		c.logger.Debug("Decision request complete.",
			zap.String("method", method),
			zap.Duration("duration", duration))
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Decision API returned error status",
		zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("decision API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}
