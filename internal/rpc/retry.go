package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// Transient error classes, used as the reason label of the retry metrics.
const (
	ReasonNetwork     = "network"
	ReasonTimeout     = "timeout"
	ReasonRateLimit   = "rate_limit"
	ReasonServer      = "server"
	ReasonNodeLagging = "node_lagging"
)

// JSON-RPC error codes nodes use for conditions that clear on their own.
const (
	codeLimitExceeded      = -32005 // geth and most providers: request limit exceeded
	codeSolanaBlockMissing = -32004 // block not available for slot yet
	codeSolanaNodeBehind   = -32005 // node is unhealthy or behind
	codeSolanaMinContext   = -32016 // minimum context slot has not been reached
)

// StatusError is a non-200 response of a REST endpoint such as the substrate sidecar.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s: %s", e.Path, e.Code, http.StatusText(e.Code), e.Body)
}

// Classify returns the transient class of err, or "" when retrying cannot help.
func Classify(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}

	if reason := classifyStatus(err); reason != "" {
		return reason
	}
	if reason := classifyCode(err); reason != "" {
		return reason
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.As(err, &netErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ReasonNetwork
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

// IsRetryable checks if an error is transient and should trigger a retry.
func IsRetryable(err error) bool {
	return Classify(err) != ""
}

func classifyStatus(err error) string {
	code := 0

	var statusErr *StatusError
	var httpErr gethrpc.HTTPError
	switch {
	case errors.As(err, &statusErr):
		code = statusErr.Code
	case errors.As(err, &httpErr):
		code = httpErr.StatusCode
	default:
		return ""
	}

	switch {
	case code == http.StatusTooManyRequests:
		return ReasonRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ReasonTimeout
	case code >= http.StatusInternalServerError:
		return ReasonServer
	default:
		return ""
	}
}

func classifyCode(err error) string {
	var solErr *jsonrpc.RPCError
	if errors.As(err, &solErr) {
		switch solErr.Code {
		case codeSolanaBlockMissing, codeSolanaNodeBehind, codeSolanaMinContext:
			return ReasonNodeLagging
		}
		return ""
	}

	var ethErr gethrpc.Error
	if errors.As(err, &ethErr) {
		if ethErr.ErrorCode() == codeLimitExceeded {
			return ReasonRateLimit
		}
		if strings.Contains(strings.ToLower(ethErr.Error()), "header not found") {
			return ReasonNodeLagging
		}
	}

	return ""
}

// classifyMessage covers transports that only report text.
func classifyMessage(msg string) string {
	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("timeout", "deadline exceeded"):
		return ReasonTimeout
	case contains("429", "too many requests", "rate limit"):
		return ReasonRateLimit
	case contains("502", "503", "504", "bad gateway", "service unavailable"):
		return ReasonServer
	case contains("header not found", "block not available", "node is behind"):
		return ReasonNodeLagging
	case contains("connection pool", "no available connection", "connection reset", "eof"):
		return ReasonNetwork
	default:
		return ""
	}
}

// Backoff computes the delay before the given attempt with ±25% jitter.
// The first attempt has no backoff.
func Backoff(attempt int, cfg *config.RetryConfig) time.Duration {
	if attempt <= 1 || cfg == nil {
		return 0
	}

	backoff := float64(cfg.InitialBackoff.Duration) * math.Pow(cfg.BackoffMultiplier, float64(attempt-2))
	if maxBackoff := float64(cfg.MaxBackoff.Duration); backoff > maxBackoff {
		backoff = maxBackoff
	}

	jitter := backoff * 0.25 //nolint:mnd
	backoff += rand.Float64()*2*jitter - jitter //nolint:gosec

	return time.Duration(max(backoff, 0))
}

// Retry runs fn until it succeeds, fails permanently, MaxAttempts is reached or ctx is done.
// A nil cfg runs fn once.
func Retry(ctx context.Context, cfg *config.RetryConfig, operation string, fn func() error) error {
	if cfg == nil {
		return fn()
	}

	var (
		lastErr error
		started = time.Now()
	)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt, err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				RPCRecoveredInc(operation)
			}
			return nil
		}
		lastErr = err

		reason := Classify(err)
		if reason == "" {
			return fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, cfg.MaxAttempts, err)
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		RPCRetryInc(operation, reason)

		if delay := Backoff(attempt+1, cfg); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("context cancelled during backoff (attempt %d/%d): %w",
					attempt, cfg.MaxAttempts, ctx.Err())
			}
		}
	}

	RPCExhaustedInc(operation)

	return fmt.Errorf("all %d attempts failed after %v (last error: %w)",
		cfg.MaxAttempts, time.Since(started), lastErr)
}
