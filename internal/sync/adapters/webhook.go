package adapters

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kimhsiao/supportsync/internal/config"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/models"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
)

// Webhook request headers.
const (
	HeaderDestination = "X-Supportsync-Destination"
	HeaderKind        = "X-Supportsync-Kind"
	HeaderSignature   = "X-Supportsync-Signature"
)

// maxErrorBody limits how much of an error response is kept.
const maxErrorBody = 512

// WebhookAdapter posts items as JSON to an HTTP endpoint.
type WebhookAdapter struct {
	dest          models.Destination
	url           string
	authToken     string
	signingSecret []byte
	headers       map[string]string
	httpClient    *http.Client
	now           func() time.Time
}

// NewWebhookAdapter creates a WebhookAdapter for dest.
// Deadlines come from the caller's context.
func NewWebhookAdapter(dest models.Destination, cfg config.DestinationConfig) *WebhookAdapter {
	a := &WebhookAdapter{
		dest:      dest,
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		headers:   cfg.Headers,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
	if cfg.SigningSecret != "" {
		a.signingSecret = []byte(cfg.SigningSecret)
	}
	return a
}

// SyncTicket posts a ticket.
func (a *WebhookAdapter) SyncTicket(ctx context.Context, t models.TicketPayload) error {
	body, err := ticketEnvelope(syncpkg.ItemIDFrom(ctx), a.dest, t, a.now())
	if err != nil {
		return apperrors.Terminal(fmt.Errorf("encode ticket: %w", err))
	}
	return a.post(ctx, models.ItemTypeTicket, body)
}

// SyncFeedback posts feedback.
func (a *WebhookAdapter) SyncFeedback(ctx context.Context, f models.FeedbackPayload) error {
	body, err := feedbackEnvelope(syncpkg.ItemIDFrom(ctx), a.dest, f, a.now())
	if err != nil {
		return apperrors.Terminal(fmt.Errorf("encode feedback: %w", err))
	}
	return a.post(ctx, models.ItemTypeFeedback, body)
}

func (a *WebhookAdapter) post(ctx context.Context, kind models.ItemType, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Terminal(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDestination, string(a.dest))
	req.Header.Set(HeaderKind, string(kind))
	if id := syncpkg.ItemIDFrom(ctx); id != "" {
		req.Header.Set(HeaderIdempotencyKey, id)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}
	if a.signingSecret != nil {
		req.Header.Set(HeaderSignature, "sha256="+sign(a.signingSecret, body))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apperrors.Retryable(fmt.Errorf("%s request failed: %w", a.dest, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("%s responded %d: %s", a.dest, resp.StatusCode, bytes.TrimSpace(snippet))
	if retryableStatus(resp.StatusCode) {
		return apperrors.Retryable(statusErr)
	}
	return apperrors.Terminal(statusErr)
}

// retryableStatus reports whether a non-2xx status is worth retrying.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// sign calculates the hex HMAC-SHA256 of body.
func sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// TestConnection reports whether the endpoint answers at all. Any status
// below 500 counts as reachable.
func (a *WebhookAdapter) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.url, nil)
	if err != nil {
		return false
	}
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
