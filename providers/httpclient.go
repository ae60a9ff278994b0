package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 15 * time.Second
	maxTimeout     = 20 * time.Second
	maxBodyBytes   = 1 << 20
)

// NewHTTPClient returns the client used for outbound gateway calls. The
// timeout is clamped to the 1s..20s range gateways tolerate.
func NewHTTPClient(timeout time.Duration) *http.Client {
	switch {
	case timeout <= 0:
		timeout = DefaultTimeout
	case timeout < time.Second:
		timeout = time.Second
	case timeout > maxTimeout:
		timeout = maxTimeout
	}
	return &http.Client{Timeout: timeout}
}

// getBody performs a GET and returns the body of a 2xx/4xx response.
// Transport failures and 5xx responses are transient.
func getBody(ctx context.Context, client *http.Client, logger *zap.Logger, endpoint string, query url.Values) ([]byte, error) {
	u := endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "build gateway request", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("Gateway request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, apperrors.New(apperrors.KindTransient, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	logger.Debug("Gateway response",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTransient, "read gateway response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.KindTransient, fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	}
	return body, nil
}
