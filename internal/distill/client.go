package distill

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/metrics"
)

var tracer = otel.Tracer("github.com/joelkehle/diagdistill/internal/distill")

var statusCodeRe = regexp.MustCompile(`(?:status(?:\s+code)?[:=\s]+|": )(\d{3})\b`)

// Completion is the outcome of one prompt after retries.
type Completion struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

type failureClass int

const (
	failureNone failureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
	failureEmpty
)

func (f failureClass) String() string {
	switch f {
	case failureTimeout:
		return "timeout"
	case failureRateLimit:
		return "rate_limit"
	case failureServer:
		return "server"
	case failureClient:
		return "client"
	case failureEmpty:
		return "empty"
	default:
		return "none"
	}
}

type ClientOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func ClientOptionsFromConfig(c config.ClientConfig) ClientOptions {
	return ClientOptions{MaxRetries: c.MaxRetries, RetryDelay: c.RetryDelay, Timeout: c.Timeout}
}

// CompletionClient turns an LLMCaller into the success/response/error
// contract. Transient failures are retried with a fixed delay.
type CompletionClient struct {
	caller LLMCaller
	opts   ClientOptions
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewCompletionClient(caller LLMCaller, opts ClientOptions, log *zap.Logger) *CompletionClient {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &CompletionClient{caller: caller, opts: opts, log: logger.OrNop(log), sleep: sleepCtx}
}

func (c *CompletionClient) ModelName() string { return c.caller.ModelName() }

func (c *CompletionClient) Call(ctx context.Context, prompt string) Completion {
	ctx, span := tracer.Start(ctx, "CompletionClient.Call")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.caller.ModelName()),
		attribute.Int("llm.prompt_chars", len(prompt)),
	)

	started := time.Now()
	defer func() {
		metrics.CompletionDuration.WithLabelValues(c.caller.ModelName()).Observe(time.Since(started).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		attemptStart := time.Now()
		out, err := c.attempt(ctx, prompt)
		class := failureNone
		switch {
		case err != nil:
			class = classifyTransportError(err)
		case strings.TrimSpace(out) == "":
			class = failureEmpty
			err = errors.New("empty response")
		}

		if class == failureNone {
			c.log.Debug("llm_attempt_success",
				zap.Int("attempt", attempt),
				zap.Int64("elapsed_ms", time.Since(attemptStart).Milliseconds()),
				zap.Int("response_chars", len(out)))
			metrics.CompletionCalls.WithLabelValues(c.caller.ModelName(), "success").Inc()
			span.SetAttributes(attribute.Int("llm.attempts", attempt))
			return Completion{Success: true, Response: out}
		}

		lastErr = err
		c.log.Warn("llm_attempt_error",
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Int64("elapsed_ms", time.Since(attemptStart).Milliseconds()),
			zap.Error(err))
		if class == failureClient || ctx.Err() != nil || attempt == c.opts.MaxRetries {
			break
		}
		if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	metrics.CompletionCalls.WithLabelValues(c.caller.ModelName(), "failure").Inc()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "completion failed")
	return Completion{Success: false, Error: lastErr.Error()}
}

func (c *CompletionClient) attempt(ctx context.Context, prompt string) (string, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	return c.caller.GenerateJSON(ctx, prompt)
}

func classifyTransportError(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	msg := strings.ToLower(err.Error())
	if m := statusCodeRe.FindStringSubmatch(msg); len(m) == 2 {
		switch {
		case m[1] == "429":
			return failureRateLimit
		case strings.HasPrefix(m[1], "5"):
			return failureServer
		case m[1] == "408":
			return failureTimeout
		case strings.HasPrefix(m[1], "4"):
			return failureClient
		}
	}
	if strings.Contains(msg, "rate limit") {
		return failureRateLimit
	}
	return failureServer
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
