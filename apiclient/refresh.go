package apiclient

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/session"
)

const refreshKey = "session"

// TokenSource reads and refreshes the client session.
type TokenSource interface {
	Session(ctx context.Context) (*session.Session, error)
	Refresh(ctx context.Context) (*session.Session, error)
}

// RefreshCoordinator lets at most one refresh network call run at a time.
// Callers arriving while one is in flight wait for it and share its result.
type RefreshCoordinator struct {
	tokens  TokenSource
	group   singleflight.Group
	timeout time.Duration
	now     func() time.Time
}

func NewRefreshCoordinator(tokens TokenSource, timeout time.Duration) *RefreshCoordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RefreshCoordinator{tokens: tokens, timeout: timeout, now: time.Now}
}

func (c *RefreshCoordinator) WithClock(now func() time.Time) *RefreshCoordinator {
	c.now = now
	return c
}

// Refresh returns a session newer than stale. If the stored session already
// carries a different, unexpired token (another caller refreshed first) it
// is returned without a network call. An empty stale forces a refresh.
func (c *RefreshCoordinator) Refresh(ctx context.Context, stale string) (*session.Session, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// The shared call must outlive any single waiter's cancellation.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		if stale != "" {
			if cur, err := c.tokens.Session(rctx); err == nil && cur != nil &&
				cur.AccessToken != "" && cur.AccessToken != stale && !cur.Expired(c.now()) {
				return cur, nil
			}
		}

		sess, err := c.tokens.Refresh(rctx)
		metrics.RecordRefresh(err)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("token refresh failed")
			return nil, err
		}
		return sess, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RefreshWaiters.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		sess, _ := res.Val.(*session.Session)
		if sess == nil {
			return nil, errors.New("apiclient: refresh returned no session")
		}
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HardRefresh always performs (or joins) a refresh network call.
func (c *RefreshCoordinator) HardRefresh(ctx context.Context) (*session.Session, error) {
	return c.Refresh(ctx, "")
}
