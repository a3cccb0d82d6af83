package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"marketflow/querycache"
	"marketflow/session"
)

type fakeTokens struct {
	mu           sync.Mutex
	sess         *session.Session
	next         string
	refreshErr   error
	refreshDelay time.Duration
	refreshCalls atomic.Int32
}

func validSession(token string) *session.Session {
	return &session.Session{AccessToken: token, RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}
}

func (f *fakeTokens) Session(context.Context) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return nil, nil
	}
	c := *f.sess
	return &c, nil
}

func (f *fakeTokens) Refresh(context.Context) (*session.Session, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess = validSession(f.next)
	c := *f.sess
	return &c, nil
}

func (f *fakeTokens) set(s *session.Session) {
	f.mu.Lock()
	f.sess = s
	f.mu.Unlock()
}

type fakeMarkers struct {
	at time.Time
	ok bool
}

func (m fakeMarkers) LastKnownGood(context.Context) (time.Time, bool, error) {
	return m.at, m.ok, nil
}

type fakeRecoverer struct {
	calls atomic.Int32
	fn    func()
}

func (r *fakeRecoverer) RecoverSession(context.Context, string) bool {
	r.calls.Add(1)
	if r.fn != nil {
		r.fn()
		return true
	}
	return false
}

// tokenServer answers 200 with body for the accepted token and 401 otherwise.
func tokenServer(t *testing.T, accepted, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer "+accepted {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid JWT"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, deps Deps) *Client {
	return New(Config{BaseURL: srv.URL, APIKey: "anon-key", Timeout: 2 * time.Second}, deps)
}

func TestCall_ConcurrentUnauthorizedRefreshesOnce(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "new", `{"ok":true}`, &hits)
	tokens := &fakeTokens{sess: validSession("old"), next: "new", refreshDelay: 50 * time.Millisecond}
	c := newTestClient(srv, Deps{Tokens: tokens})

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard", NoCache: true})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := tokens.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestCall_GraceWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		markerAge time.Duration
		soft      bool
		status    int
	}{
		{"within window", 11 * time.Hour, true, http.StatusServiceUnavailable},
		{"window elapsed", 13 * time.Hour, false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := tokenServer(t, "tok", `{}`, &hits)
			rec := &fakeRecoverer{}
			grace := NewGraceEvaluator(fakeMarkers{at: now.Add(-tt.markerAge), ok: true}, 12*time.Hour).
				WithClock(func() time.Time { return now })
			var banners int
			c := newTestClient(srv, Deps{
				Tokens:         &fakeTokens{},
				Recoverer:      rec,
				Grace:          grace,
				OnUnauthorized: func(*Error) { banners++ },
			})

			_, err := c.Call(context.Background(), Request{Endpoint: "buyer-dashboard"})
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if apiErr.IsReconnecting() != tt.soft || apiErr.IsUnauthorized() == tt.soft {
				t.Fatalf("kind = %s, want soft=%v", apiErr.Kind, tt.soft)
			}
			if apiErr.Status != tt.status {
				t.Fatalf("status = %d, want %d", apiErr.Status, tt.status)
			}
			if rec.calls.Load() != 1 {
				t.Fatalf("recovery calls = %d, want 1", rec.calls.Load())
			}
			if hits.Load() != 0 {
				t.Fatalf("backend was called without a token")
			}
			wantBanners := 1
			if tt.soft {
				wantBanners = 0
			}
			if banners != wantBanners {
				t.Fatalf("banner events = %d, want %d", banners, wantBanners)
			}
		})
	}
}

func TestCall_NoMarkerIsUnauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "tok", `{}`, &hits)
	c := newTestClient(srv, Deps{Tokens: &fakeTokens{}, Grace: NewGraceEvaluator(fakeMarkers{}, 0)})

	_, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"})
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCall_RecoveryProvidesToken(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "recovered", `{"ok":true}`, &hits)
	tokens := &fakeTokens{}
	rec := &fakeRecoverer{fn: func() { tokens.set(validSession("recovered")) }}
	c := newTestClient(srv, Deps{Tokens: tokens, Recoverer: rec})

	if _, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if rec.calls.Load() != 1 || hits.Load() != 1 {
		t.Fatalf("recovery calls = %d, backend hits = %d", rec.calls.Load(), hits.Load())
	}
}

func TestCall_TimeoutIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL, APIKey: "anon-key", Timeout: 50 * time.Millisecond},
		Deps{Tokens: &fakeTokens{sess: validSession("tok")}})

	_, err := c.Call(context.Background(), Request{Endpoint: "slow"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Kind != KindTimeout || apiErr.Status != http.StatusRequestTimeout {
		t.Fatalf("got kind=%s status=%d, want timeout/408", apiErr.Kind, apiErr.Status)
	}
	if apiErr.IsUnauthorized() || !IsTransient(err) {
		t.Fatalf("timeout must be transient and not unauthorized")
	}
}

func TestCall_RetriesOnceThenUnauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "never", `{}`, &hits)
	tokens := &fakeTokens{sess: validSession("old"), next: "still-bad"}
	var banners int
	c := newTestClient(srv, Deps{Tokens: tokens, OnUnauthorized: func(*Error) { banners++ }})

	_, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"})
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("backend hits = %d, want 2", hits.Load())
	}
	if tokens.refreshCalls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", tokens.refreshCalls.Load())
	}
	if banners != 1 {
		t.Fatalf("banner events = %d, want 1", banners)
	}
}

func TestCall_RefreshFailureIsUnauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "never", `{}`, &hits)
	tokens := &fakeTokens{sess: validSession("old"), refreshErr: errors.New("invalid refresh token")}
	c := newTestClient(srv, Deps{Tokens: tokens})

	_, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"})
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("backend hits = %d, want 1", hits.Load())
	}
}

func TestCall_CallerDeadlineDuringRefreshIsNotUnauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "new", `{}`, &hits)
	tokens := &fakeTokens{sess: validSession("old"), next: "new", refreshDelay: 300 * time.Millisecond}
	var banners atomic.Int32
	c := newTestClient(srv, Deps{Tokens: tokens, OnUnauthorized: func(*Error) { banners.Add(1) }})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, Request{Endpoint: "seller-dashboard"})
	if IsUnauthorized(err) {
		t.Fatalf("caller deadline reported as unauthorized: %v", err)
	}
	if KindOf(err) != KindTimeout || !IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if banners.Load() != 0 {
		t.Fatalf("session expired banner fired %d times", banners.Load())
	}
}

func TestCall_CallerCancelDuringRefreshIsNotUnauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "new", `{}`, &hits)
	tokens := &fakeTokens{sess: validSession("old"), next: "new", refreshDelay: 300 * time.Millisecond}
	var banners atomic.Int32
	c := newTestClient(srv, Deps{Tokens: tokens, OnUnauthorized: func(*Error) { banners.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.Call(ctx, Request{Endpoint: "seller-dashboard"})
	if KindOf(err) != KindNetwork || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled network error, got %v", err)
	}
	if banners.Load() != 0 {
		t.Fatalf("session expired banner fired %d times", banners.Load())
	}
}

func TestCall_ProactiveRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "fresh", `{"ok":true}`, &hits)
	expiring := &session.Session{AccessToken: "old", RefreshToken: "rt", ExpiresAt: time.Now().Add(2 * time.Minute)}
	tokens := &fakeTokens{sess: expiring, next: "fresh"}
	c := newTestClient(srv, Deps{Tokens: tokens})

	if _, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if tokens.refreshCalls.Load() != 1 || hits.Load() != 1 {
		t.Fatalf("refresh calls = %d, hits = %d, want 1/1", tokens.refreshCalls.Load(), hits.Load())
	}
}

func TestCall_ProactiveRefreshFailureKeepsValidToken(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "old", `{"ok":true}`, &hits)
	expiring := &session.Session{AccessToken: "old", RefreshToken: "rt", ExpiresAt: time.Now().Add(2 * time.Minute)}
	tokens := &fakeTokens{sess: expiring, refreshErr: errors.New("network down")}
	c := newTestClient(srv, Deps{Tokens: tokens})

	if _, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"}); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestCall_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"database unavailable"}`))
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv, Deps{Tokens: &fakeTokens{sess: validSession("tok")}})

	_, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Kind != KindServer || apiErr.Status != 500 || apiErr.Message != "database unavailable" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestCall_WrappedErrorWithoutData(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "tok", `{"data":null,"error":"not a seller"}`, &hits)
	c := newTestClient(srv, Deps{Tokens: &fakeTokens{sess: validSession("tok")}})

	_, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"})
	if KindOf(err) != KindServer {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestCall_CachesGets(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "tok", `{"data":{"total_orders":3}}`, &hits)
	cache := querycache.New(time.Minute)
	c := newTestClient(srv, Deps{Tokens: &fakeTokens{sess: validSession("tok")}, Cache: cache})

	for i := 0; i < 2; i++ {
		resp, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if string(resp.Data) != `{"total_orders":3}` {
			t.Fatalf("data = %s", resp.Data)
		}
		if resp.Cached != (i == 1) {
			t.Fatalf("call %d cached = %v", i, resp.Cached)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("backend hits = %d, want 1", hits.Load())
	}

	cache.InvalidateAll()
	if _, err := c.Call(context.Background(), Request{Endpoint: "seller-dashboard"}); err != nil {
		t.Fatalf("call after invalidate: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("backend hits = %d, want 2", hits.Load())
	}
}

func TestSellerDashboard_DecodesWrappedBody(t *testing.T) {
	var hits atomic.Int32
	body := `{"data":{"store_id":"s1","total_revenue":"120.50","total_orders":4},"status":"ok"}`
	srv := tokenServer(t, "tok", body, &hits)
	c := newTestClient(srv, Deps{Tokens: &fakeTokens{sess: validSession("tok")}})

	dash, err := c.SellerDashboard(context.Background())
	if err != nil {
		t.Fatalf("seller dashboard: %v", err)
	}
	if dash.StoreID != "s1" || dash.TotalOrders != 4 || dash.TotalRevenue.String() != "120.5" {
		t.Fatalf("unexpected dashboard %+v", dash)
	}
}

func TestSellerDashboard_RejectsRootBody(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, "tok", `{"store_id":"s1","total_revenue":"120.50","total_orders":4}`, &hits)
	c := newTestClient(srv, Deps{Tokens: &fakeTokens{sess: validSession("tok")}})

	if _, err := c.SellerDashboard(context.Background()); err == nil {
		t.Fatal("expected a decode error for a body without data")
	}
}

func TestFetch_AutoShapeDecodesBothConventions(t *testing.T) {
	legacy := Endpoint[SellerDashboard]{Name: "seller-dashboard", Method: http.MethodGet, Shape: ShapeAuto}
	bodies := map[string]string{
		"root":    `{"store_id":"s1","total_revenue":"120.50","total_orders":4}`,
		"wrapped": `{"data":{"store_id":"s1","total_revenue":"120.50","total_orders":4},"status":"ok"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			srv := tokenServer(t, "tok", body, &hits)
			c := newTestClient(srv, Deps{Tokens: &fakeTokens{sess: validSession("tok")}})

			dash, err := Fetch(context.Background(), c, legacy, nil)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if dash.StoreID != "s1" || dash.TotalOrders != 4 || dash.TotalRevenue.String() != "120.5" {
				t.Fatalf("unexpected dashboard %+v", dash)
			}
		})
	}
}
