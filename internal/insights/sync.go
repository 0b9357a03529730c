// Package insights pulls engagement metrics for recently posted posts and
// feeds first-sync outcomes back into template statistics.
package insights

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
)

// LookbackWindow bounds how old a post can be and still get synced.
const LookbackWindow = 7 * 24 * time.Hour

// MinSyncAge is the per-post staleness floor between syncs.
const MinSyncAge = time.Hour

// Fetcher is the social API surface the sync needs.
type Fetcher interface {
	FetchInsights(ctx context.Context, mediaID, token string) (social.Insights, error)
}

// Sync sweeps posted posts and refreshes their metrics.
type Sync struct {
	store  store.Store
	social Fetcher
	cipher *crypto.Cipher
}

// NewSync wires the insights sweep.
func NewSync(s store.Store, f Fetcher, cipher *crypto.Cipher) *Sync {
	return &Sync{store: s, social: f, cipher: cipher}
}

// Run syncs every eligible post. A failure on one post is logged and does
// not abort the sweep. Returns how many posts were synced.
func (sy *Sync) Run(ctx context.Context, now time.Time) (int, error) {
	posts, err := sy.store.PostsNeedingInsights(ctx, now.Add(-LookbackWindow), now.Add(-MinSyncAge))
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, post := range posts {
		if err := sy.syncOne(ctx, post); err != nil {
			observability.InsightsSynced.WithLabelValues("error").Inc()
			log.Printf("insights: post %s: %v", post.ID, err)
			continue
		}
		observability.InsightsSynced.WithLabelValues("ok").Inc()
		synced++
	}
	return synced, nil
}

func (sy *Sync) syncOne(ctx context.Context, post *store.Post) error {
	account, err := sy.accountFor(ctx, post)
	if err != nil {
		return err
	}
	auth, err := sy.store.GetAuth(ctx, account.ID)
	if err != nil {
		return err
	}
	token, err := sy.cipher.Decrypt(auth.AccessToken)
	if err != nil {
		return err
	}

	metrics, err := sy.social.FetchInsights(ctx, post.MediaID, token)
	if err != nil {
		return err
	}

	// Template stats fold in engagement exactly once, on the first sync.
	// Later syncs only refresh the stored metrics.
	_, getErr := sy.store.GetInsights(ctx, post.ID)
	firstSync := store.IsNotFound(getErr)
	if getErr != nil && !firstSync {
		return getErr
	}

	row := &store.PostInsights{
		PostID:       post.ID,
		Views:        metrics.Views,
		Likes:        metrics.Likes,
		Replies:      metrics.Replies,
		Reposts:      metrics.Reposts,
		LastSyncedAt: time.Now(),
	}
	if err := sy.store.UpsertInsights(ctx, row); err != nil {
		return err
	}

	if firstSync && post.TemplateID != nil {
		if err := sy.store.RecordTemplateOutcome(ctx, *post.TemplateID, row.EngagementRate()); err != nil {
			return err
		}
	}
	return nil
}

func (sy *Sync) accountFor(ctx context.Context, post *store.Post) (*store.ThreadsAccount, error) {
	if post.ThreadsAccountID != nil {
		return sy.store.GetAccount(ctx, *post.ThreadsAccountID)
	}
	return sy.store.DefaultAccount(ctx)
}
