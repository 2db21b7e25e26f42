package cloudapi

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// retryConfig mirrors the exponential-backoff shape used throughout this
// codebase's HTTP clients (frameworks/pkg/clients/retry.go), trimmed to
// what a bounded-concurrency blob-store client needs: no circuit breaker,
// since CloudClient's own upload cap already sheds load under pressure.
type retryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), cfg retryConfig) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			if cfg.Jitter {
				delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
			}
			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		lastResp, lastErr = resp, err

		if !shouldRetry(resp, err) {
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}
	return lastResp, lastErr
}
