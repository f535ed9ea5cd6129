// SPDX-License-Identifier: MIT

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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/ratelimit"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// Engine runs one inference call. Implementations must be safe for
// concurrent use.
type Engine interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// HTTPEngine calls the inference service over HTTP. Calls are traced via
// otelhttp and throttled per resource class before they leave the
// process.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.PerClass
	logger  zerolog.Logger
}

// NewHTTPEngine creates a client for the service at baseURL. A nil
// limiter disables throttling (tests).
func NewHTTPEngine(baseURL string, timeout time.Duration, limiter *ratelimit.PerClass, logger zerolog.Logger) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Infer posts the request to /v1/infer and decodes the raw ML response.
// Errors wrap one of the package sentinels so callers can decide whether
// a retry makes sense.
func (e *HTTPEngine) Infer(ctx context.Context, req Request) (*Response, error) {
	kind, err := taskgraph.ParseTaskKind(req.TaskType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	spec, _ := taskgraph.SpecFor(kind)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, spec.Resource); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		outcome := "error"
		wrapped := fmt.Errorf("%w: %v", ErrUnavailable, err)
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			outcome = "timeout"
			wrapped = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		metrics.RecordInference(req.TaskType, outcome, time.Since(start), 0)
		return nil, wrapped
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		// Drain a little of the body for the log line.
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		metrics.RecordInference(req.TaskType, "error", time.Since(start), 0)

		e.logger.Warn().
			Str("task_id", req.TaskID).
			Str("task_type", req.TaskType).
			Int("status", httpResp.StatusCode).
			Str("body", string(snippet)).
			Msg("inference call failed")

		switch {
		case httpResp.StatusCode == http.StatusRequestTimeout || httpResp.StatusCode == http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%w: status %d", ErrTimeout, httpResp.StatusCode)
		case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, httpResp.StatusCode)
		case httpResp.StatusCode >= 400:
			return nil, fmt.Errorf("%w: status %d", ErrRejected, httpResp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: status %d", ErrBadResponse, httpResp.StatusCode)
		}
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		metrics.RecordInference(req.TaskType, "error", time.Since(start), 0)
		return nil, fmt.Errorf("%w: decode: %v", ErrBadResponse, err)
	}

	metrics.RecordInference(req.TaskType, "success", time.Since(start), resp.ItemCount())
	e.logger.Debug().
		Str("task_id", req.TaskID).
		Str("task_type", req.TaskType).
		Str("run_id", resp.RunID).
		Int("items", resp.ItemCount()).
		Dur("duration", time.Since(start)).
		Msg("inference call completed")

	return &resp, nil
}

func isClientTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
