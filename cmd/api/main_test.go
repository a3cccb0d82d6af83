package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"marketflow/auth"
	"marketflow/config"
	"marketflow/events"
	"marketflow/fulfillment"
)

type memStore struct {
	mu            sync.Mutex
	products      map[string]fulfillment.Product
	grants        map[string]fulfillment.ContentAccessGrant
	bookings      []fulfillment.ServiceBooking
	orders        map[string]fulfillment.OrderStatus
	notifications []fulfillment.Notification
}

func newMemStore(products ...fulfillment.Product) *memStore {
	s := &memStore{
		products: make(map[string]fulfillment.Product),
		grants:   make(map[string]fulfillment.ContentAccessGrant),
		orders:   make(map[string]fulfillment.OrderStatus),
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *memStore) GetProduct(_ context.Context, id string) (fulfillment.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return fulfillment.Product{}, fulfillment.ErrProductNotFound
	}
	return p, nil
}

func (s *memStore) UpsertContentAccess(_ context.Context, g fulfillment.ContentAccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.BuyerID+"/"+g.ProductID+"/"+g.OrderID] = g
	return nil
}

func (s *memStore) CreateServiceBooking(_ context.Context, b fulfillment.ServiceBooking) (fulfillment.ServiceBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings = append(s.bookings, b)
	return b, nil
}

func (s *memStore) UpdateOrderStatus(_ context.Context, orderID string, status fulfillment.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID] = status
	return nil
}

func (s *memStore) InsertNotification(_ context.Context, n fulfillment.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "wiring-secret"
	cfg.Server.RateLimit = 0
	return cfg
}

func postGrant(t *testing.T, h http.Handler, cfg *config.Config, body string) *httptest.ResponseRecorder {
	t.Helper()
	tok, err := auth.IssueToken(cfg.Auth.JWTSecret, "svc", auth.RoleServiceRole, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/grant-product-access", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const (
	orderID  = "5b1d7c3e-9a2f-4e6b-8c0d-1f2a3b4c5d6e"
	buyerID  = "c2d3e4f5-a6b7-4c8d-9e0f-a1b2c3d4e5f6"
	sellerID = "0e9d8c7b-6a5f-4e3d-8c2b-1a0f9e8d7c6b"
)

const coffeeGrantBody = `{"order_id":"` + orderID + `","buyer_id":"` + buyerID + `","product_id":"p-coffee","seller_id":"` + sellerID + `"}`

func TestHandler_CoffeeGrantEndToEnd(t *testing.T) {
	cfg := testConfig()
	store := newMemStore(fulfillment.Product{ID: "p-coffee", SellerID: sellerID, Type: fulfillment.TypeCoffee})
	pub, err := events.New(config.EventsConfig{Driver: "gochannel", Topic: "grants"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := pub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h := newHandler(cfg, store, pub, okPinger{})
	rec := postGrant(t, h, cfg, coffeeGrantBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var res fulfillment.GrantResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.OrderStatus != fulfillment.OrderCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if store.orders[orderID] != fulfillment.OrderCompleted || len(store.notifications) != 1 {
		t.Fatalf("order=%s notifications=%d", store.orders[orderID], len(store.notifications))
	}

	select {
	case msg := <-msgs:
		msg.Ack()
		if msg.Metadata.Get(events.MetadataKey) != orderID {
			t.Fatalf("event key = %q", msg.Metadata.Get(events.MetadataKey))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fulfillment event published")
	}
}

func TestHandler_UnknownProductIs404(t *testing.T) {
	cfg := testConfig()
	h := newHandler(cfg, newMemStore(), nil, okPinger{})

	rec := postGrant(t, h, cfg, `{"order_id":"` + orderID + `","buyer_id":"` + buyerID + `","product_id":"missing","seller_id":"` + sellerID + `"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestNewHTTPServer(t *testing.T) {
	cfg := config.Defaults().Server
	srv := newHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != cfg.Addr || srv.ReadTimeout != cfg.ReadTimeout || srv.WriteTimeout != cfg.WriteTimeout {
		t.Fatalf("server not configured from config: %+v", srv)
	}
}
