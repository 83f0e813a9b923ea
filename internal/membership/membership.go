// Package membership is the boundary to the external authorization service
// that decides whether a user may join a conversation.
package membership

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
)

// Authorizer approves (user, conversation) joins. Implementations return
// apperr.ErrForbidden for an unauthorized pair.
type Authorizer interface {
	Authorize(ctx context.Context, userID, conversationID string) error
}

// AllowAll approves every join. Used in development and tests where no
// membership service is deployed.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, userID, conversationID string) error {
	return nil
}

// HTTPAuthorizer calls the membership service over HTTP, guarded by a
// circuit breaker so a down authorizer degrades fast instead of stalling
// every join.
type HTTPAuthorizer struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   time.Duration
}

func NewHTTPAuthorizer(baseURL string, timeout, retryMaxElapsed time.Duration) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "membership",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPAuthorizer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: cb,
		retry:   retryMaxElapsed,
	}
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, userID, conversationID string) error {
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, a.check(ctx, userID, conversationID)
	})
	return err
}

func (a *HTTPAuthorizer) check(ctx context.Context, userID, conversationID string) error {
	u := fmt.Sprintf("%s/v1/authorize?user=%s&conversation=%s",
		a.baseURL, url.QueryEscape(userID), url.QueryEscape(conversationID))

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: user %s in conversation %s",
				apperr.ErrForbidden, userID, conversationID))
		case resp.StatusCode >= 500:
			return fmt.Errorf("membership service: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("membership service: unexpected status %d", resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.retry
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		return err
	}
	return nil
}
