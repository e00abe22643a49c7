// Package directory implements the AccountDirectory external collaborator:
// an HTTP client looking up a miner's pool binding by worker name. spec.md
// treats this as an opaque interface; this is the domain-stack component a
// complete repo must actually implement (§4.6). Interface shape follows the
// ISP-style single-method lookup interfaces in
// chimera-pool-core/internal/stratum/authenticator.go (MinerLookup); the
// HTTP transport itself follows the teacher's own net/http usage
// (internal/proxy.HttpServe already builds on net/http/promhttp, so the
// client side reaches for the same package rather than an HTTP client
// library the pack never imports).
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/carlosrabelo/minerbroker/pkg/apperr"
	"github.com/carlosrabelo/minerbroker/pkg/logger"
)

// SubAccountInfo is the success body shape from §6.
type SubAccountInfo struct {
	ID             string                 `json:"id"`
	MinerID        string                 `json:"minerId"`
	PoolTarget     string                 `json:"poolTarget"`
	SubAccountName string                 `json:"subAccountName"`
	Active         bool                   `json:"active"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      string                 `json:"createdAt"`
}

// ApiResponse is either a successful lookup or a not-found result, per §4.6.
type ApiResponse struct {
	Found bool
	Info  SubAccountInfo
	Error string
}

// AccountDirectory is the single-method external collaborator the
// authorize handler calls.
type AccountDirectory interface {
	Lookup(ctx context.Context, workerFullName string) (ApiResponse, error)
}

// Config configures the HTTP directory client.
type Config struct {
	BaseURL    string
	MaxRetries int
}

// HTTPDirectory implements AccountDirectory over HTTPS GET with the
// quadratic-backoff retry policy of §4.6 (no retry library is imported
// anywhere in the pack, so this is implemented by hand).
type HTTPDirectory struct {
	cfg    Config
	client *http.Client
}

// NewHTTPDirectory builds an HTTPDirectory against cfg.BaseURL.
func NewHTTPDirectory(cfg Config) *HTTPDirectory {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &HTTPDirectory{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type rawResponse struct {
	ID             string                 `json:"id"`
	MinerID        string                 `json:"minerId"`
	PoolTarget     string                 `json:"poolTarget"`
	SubAccountName string                 `json:"subAccountName"`
	Active         bool                   `json:"active"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      string                 `json:"createdAt"`
	Error          string                 `json:"error"`
}

// Lookup performs GET {base_url}/users/get-subAccount-info?workerName=...
// with quadratic backoff (50*attempt^2 ms) across up to MaxRetries attempts.
func (d *HTTPDirectory) Lookup(ctx context.Context, workerFullName string) (ApiResponse, error) {
	endpoint := fmt.Sprintf("%s/users/get-subAccount-info?workerName=%s",
		d.cfg.BaseURL, url.QueryEscape(workerFullName))

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		resp, err := d.attempt(ctx, endpoint)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return ApiResponse{}, err
		}
		if attempt == d.cfg.MaxRetries {
			break
		}
		delay := time.Duration(50*attempt*attempt) * time.Millisecond
		logger.Warn("directory: lookup attempt %d/%d failed, retrying in %s: %v",
			attempt, d.cfg.MaxRetries, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ApiResponse{}, apperr.Wrap(apperr.CodeDirectory, "lookup cancelled", ctx.Err())
		}
	}
	return ApiResponse{}, apperr.Wrap(apperr.CodeDirectory, "lookup exhausted retries", lastErr)
}

// retryableError marks a failed attempt (a 5xx response, a transport error,
// or a body read error) as retry-eligible without making it itself a fatal
// apperr.AppError.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

func (d *HTTPDirectory) attempt(ctx context.Context, endpoint string) (ApiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ApiResponse{}, apperr.Wrap(apperr.CodeDirectory, "building request", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return ApiResponse{}, &retryableError{apperr.Wrap(apperr.CodeDirectory, "request failed", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ApiResponse{}, &retryableError{apperr.Wrap(apperr.CodeDirectory, "reading body", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return ApiResponse{}, &retryableError{apperr.New(apperr.CodeDirectory,
			fmt.Sprintf("server error %d", resp.StatusCode))}
	case resp.StatusCode >= 400:
		var raw rawResponse
		if json.Unmarshal(body, &raw) == nil && raw.Error != "" {
			return ApiResponse{Found: false, Error: raw.Error}, nil
		}
		return ApiResponse{}, apperr.New(apperr.CodeDirectory,
			fmt.Sprintf("client error %d", resp.StatusCode))
	default:
		var raw rawResponse
		if err := json.Unmarshal(body, &raw); err != nil {
			return ApiResponse{}, apperr.Wrap(apperr.CodeDirectory, "decoding response", err)
		}
		if raw.Error != "" {
			return ApiResponse{Found: false, Error: raw.Error}, nil
		}
		return ApiResponse{
			Found: true,
			Info: SubAccountInfo{
				ID:             raw.ID,
				MinerID:        raw.MinerID,
				PoolTarget:     raw.PoolTarget,
				SubAccountName: raw.SubAccountName,
				Active:         raw.Active,
				Metadata:       raw.Metadata,
				CreatedAt:      raw.CreatedAt,
			},
		}, nil
	}
}
