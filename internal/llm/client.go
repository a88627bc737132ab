package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// Config for the extraction-service client. The endpoint is any
// OpenAI-compatible chat/completions URL.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	CallTimeout time.Duration
	Timezone    string
}

// Client implements CourseExtractor against an HTTP structured-extraction
// endpoint. The response is untrusted with respect to format: everything is
// schema-validated and normalized before it leaves this package.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		log:        logger,
	}
}

// ExtractCourse sends sanitized text to the extraction service and returns a
// validated, normalized CandidateCourse. A schema-invalid response is not
// retried blindly: it is re-issued once with a stricter instruction frame,
// then treated as a terminal validation failure.
func (c *Client) ExtractCourse(ctx context.Context, req ExtractRequest) (*entity.CandidateCourse, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"text_len", len(req.Sanitized.Text),
		"sanitizer_findings", len(req.Sanitized.Findings),
		"truncated", req.Sanitized.Truncated,
	)
	if req.Timezone == "" {
		req.Timezone = c.cfg.Timezone
	}

	schema := BuildCourseJSONSchema()
	loc := c.location(req.Timezone)

	raw, err := c.requestOnce(ctx, rid, req, schema, false)
	if err != nil {
		return nil, nil, err
	}

	if verr := ValidateJSONAgainstSchema(schema, raw); verr != nil {
		c.log.Warn("llm.extract.schema_invalid", "req_id", rid, "error", verr)
		raw, err = c.requestOnce(ctx, rid, req, schema, true)
		if err != nil {
			return nil, nil, err
		}
		if verr := ValidateJSONAgainstSchema(schema, raw); verr != nil {
			c.log.Error("llm.extract.schema_invalid_after_reprompt",
				"req_id", rid, "error", verr,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, raw, common.Validation("AI_SCHEMA", "extraction service returned a malformed response", verr)
		}
	}

	cand, err := NormalizeCandidate(raw, loc)
	if err != nil {
		return nil, raw, err
	}

	c.log.Info("llm.extract.ok",
		"req_id", rid,
		"title", cand.Title,
		"term", cand.Term,
		"events", len(cand.Events),
		"warnings", len(cand.Warnings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return cand, raw, nil
}

// requestOnce performs a single chat/completions call under the hard
// per-call timeout and returns the message content bytes.
func (c *Client) requestOnce(ctx context.Context, rid string, req ExtractRequest, schema map[string]any, strict bool) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": BuildSystemPrompt(req, strict)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
			{"role": "user", "content": BuildUserPrompt(req)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, status, err := c.post(cctx, endpoint, body)
	if err != nil {
		return nil, c.classifyHTTPError(rid, status, err)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.extract.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return nil, common.Validation("AI_DECODE", "extraction service response could not be decoded", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.extract.no_choices", "req_id", rid)
		return nil, common.Validation("AI_EMPTY", "extraction service returned no content", nil)
	}
	return []byte(strings.TrimSpace(cc.Choices[0].Message.Content)), nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func(body io.ReadCloser) {
		if cerr := body.Close(); cerr != nil {
			c.log.Warn("llm.http.body_close_error", "error", cerr)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, resp.StatusCode, fmt.Errorf("extraction service status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}
	return raw, resp.StatusCode, nil
}

// classifyHTTPError maps transport/status failures onto the error taxonomy:
// timeouts, rate limits, and upstream 5xx are transient; credential problems
// are fatal.
func (c *Client) classifyHTTPError(rid string, status int, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.log.Warn("llm.extract.timeout", "req_id", rid)
		return common.Transient("AI_TIMEOUT", "extraction service timed out", err)
	case status == http.StatusTooManyRequests:
		c.log.Warn("llm.extract.rate_limited", "req_id", rid)
		return common.Transient("AI_RATE_LIMITED", "extraction service is rate limiting", err)
	case status >= 500:
		c.log.Warn("llm.extract.upstream_error", "req_id", rid, "status", status)
		return common.Transient("AI_UNAVAILABLE", "extraction service is unavailable", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.log.Error("llm.extract.auth_failed", "req_id", rid, "status", status)
		return common.Fatal("AI_AUTH", "extraction service rejected our credentials", err)
	case status != 0:
		c.log.Error("llm.extract.request_rejected", "req_id", rid, "status", status)
		return common.Validation("AI_REQUEST", "extraction service rejected the request", err)
	default:
		// No status at all: connection-level failure.
		c.log.Warn("llm.extract.network_error", "req_id", rid, "error", err)
		return common.Transient("AI_UNAVAILABLE", "extraction service is unreachable", err)
	}
}

func (c *Client) location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		c.log.Warn("llm.bad_timezone", "tz", tz, "error", err)
		return time.UTC
	}
	return loc
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
