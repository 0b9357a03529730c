// Package tokens keeps long-lived platform tokens fresh: a periodic scan
// enqueues refresh jobs for tokens nearing expiry, and the refresh handler
// rotates them or escalates to the operator.
package tokens

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
)

// RefreshWindow is how close to expiry a token gets before it is rotated.
const RefreshWindow = 7 * 24 * time.Hour

// MinRefreshAge is the platform's floor between consecutive refreshes of
// the same token.
const MinRefreshAge = 24 * time.Hour

// Refresher is the social API surface the lifecycle needs.
type Refresher interface {
	Refresh(ctx context.Context, token string) (newToken string, expiresAt time.Time, err error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	SendText(ctx context.Context, userID, text string) error
}

// Lifecycle scans for and refreshes expiring tokens.
type Lifecycle struct {
	store    store.Store
	social   Refresher
	cipher   *crypto.Cipher
	queue    queue.Queue
	notifier Notifier
}

// NewLifecycle wires the token lifecycle.
func NewLifecycle(s store.Store, r Refresher, cipher *crypto.Cipher, q queue.Queue, n Notifier) *Lifecycle {
	return &Lifecycle{store: s, social: r, cipher: cipher, queue: q, notifier: n}
}

// Scan enqueues one refresh job per account whose token expires within the
// window and has not been refreshed in the last day. Called by the
// scheduler tick; duplicate enqueues are harmless because the handler
// re-checks eligibility.
func (l *Lifecycle) Scan(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.AuthsDueForRefresh(ctx, now, RefreshWindow, MinRefreshAge)
	if err != nil {
		return 0, err
	}
	for _, auth := range due {
		payload := queue.TokenRefreshPayload{Version: queue.PayloadVersion, AccountID: auth.AccountID}
		if _, err := l.queue.Enqueue(ctx, queue.QueueTokenRefresh, payload); err != nil {
			return 0, err
		}
	}
	if len(due) > 0 {
		log.Printf("tokens: %d refresh job(s) enqueued", len(due))
	}
	return len(due), nil
}

// Handle processes one token refresh job.
func (l *Lifecycle) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.TokenRefreshPayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		return err
	}

	auth, err := l.store.GetAuth(ctx, payload.AccountID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil // account disconnected since the scan
		}
		return err
	}

	now := time.Now()
	// Re-check eligibility: the scan may have raced another refresh, or the
	// job may be a delayed re-delivery.
	if auth.Status != store.AuthOK {
		return nil
	}
	if auth.ExpiresAt.After(now.Add(RefreshWindow)) {
		return nil
	}
	if auth.LastRefreshedAt != nil && now.Sub(*auth.LastRefreshedAt) < MinRefreshAge {
		return nil
	}

	plaintext, err := l.cipher.Decrypt(auth.AccessToken)
	if err != nil {
		observability.TokenRefreshes.WithLabelValues("decrypt_error").Inc()
		return l.escalate(ctx, payload.AccountID, "stored token cannot be decrypted")
	}

	newToken, expiresAt, err := l.social.Refresh(ctx, plaintext)
	if err != nil {
		code := social.Classify(err)
		if social.Retriable(code) && job.Attempts < job.MaxAttempts {
			observability.TokenRefreshes.WithLabelValues("retried").Inc()
			return err
		}
		observability.TokenRefreshes.WithLabelValues("failed").Inc()
		return l.escalate(ctx, payload.AccountID, err.Error())
	}

	enc, err := l.cipher.Encrypt(newToken)
	if err != nil {
		return err
	}
	if err := l.store.UpdateAuthAfterRefresh(ctx, payload.AccountID, enc, expiresAt, now); err != nil {
		return err
	}
	observability.TokenRefreshes.WithLabelValues("ok").Inc()
	log.Printf("tokens: account %s refreshed, new expiry %s", payload.AccountID, expiresAt.Format(time.RFC3339))
	return nil
}

// escalate flags the account and tells the operator to re-authorize.
// Returns nil: the job is done, the human is not.
func (l *Lifecycle) escalate(ctx context.Context, accountID uuid.UUID, reason string) error {
	if err := l.store.MarkAuthActionRequired(ctx, accountID); err != nil {
		return err
	}
	cfg, err := l.store.GetSchedulerConfig(ctx)
	if err != nil || cfg.LineUserID == "" {
		log.Printf("tokens: account %s needs re-authorization (%s), no operator configured", accountID, reason)
		return nil
	}
	text := fmt.Sprintf("Token refresh failed for a connected account: %s. Please re-authorize from the admin console.", reason)
	if err := l.notifier.SendText(ctx, cfg.LineUserID, text); err != nil {
		log.Printf("tokens: operator alert: %v", err)
	}
	return nil
}
