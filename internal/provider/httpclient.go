package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/raceops/provider-engine/internal/corutil"
)

// DefaultBodyLimit caps how much of a provider's HTTP response body an
// adapter will read, guarding against a misbehaving upstream streaming an
// unbounded response.
const DefaultBodyLimit = int64(4 << 20) // 4 MiB

// DefaultRetryAfter is used when a 429 response carries no Retry-After
// header.
const DefaultRetryAfter = 30 * time.Second

// DoJSON executes req and classifies the response into the adapter error
// taxonomy. On success it returns the response body (capped at
// DefaultBodyLimit). providerName is used to tag any error raised.
//
// A NetworkError (transport-level failure: DNS, connection refused,
// timeout) is retried with the engine's standard exponential backoff
// (spec.md section 7: initial 1s, factor 2, max 60s, max 3 attempts) before
// being surfaced to the caller; req has no body on every call site (all
// adapters only ever issue GET requests), so replaying it is safe.
func DoJSON(ctx context.Context, client *http.Client, req *http.Request, providerName string) ([]byte, error) {
	var body []byte
	err := corutil.Retry(ctx, corutil.DefaultRetryPolicy, func() error {
		resp, doErr := client.Do(req.WithContext(ctx))
		if doErr != nil {
			return &NetworkError{ProviderName: providerName, Err: doErr}
		}
		defer resp.Body.Close()

		read, readErr := io.ReadAll(io.LimitReader(resp.Body, DefaultBodyLimit))
		if readErr != nil {
			return &NetworkError{ProviderName: providerName, Err: readErr}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &AuthError{ProviderName: providerName, Err: fmt.Errorf("http %d", resp.StatusCode)}
		case resp.StatusCode == http.StatusTooManyRequests:
			return &RateLimited{ProviderName: providerName, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return &ProtocolError{ProviderName: providerName, Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
		}

		body = read
		return nil
	}, isRetryable)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// isRetryable limits corutil.Retry's backoff loop to transient
// NetworkErrors; AuthError, RateLimited, and ProtocolError are not
// retried here (RateLimited is paced by the Rate Limiter instead, and the
// others are not transient).
func isRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

func retryAfter(raw string) time.Duration {
	if raw == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultRetryAfter
}
