package gotrue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "rt-1" {
			t.Errorf("refresh token = %q", body["refresh_token"])
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "at-2",
			RefreshToken: "rt-2",
			ExpiresAt:    1717243200,
			User:         User{ID: "u1", Email: "a@example.com"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "anon-key", srv.Client())
	tok, err := c.RefreshToken(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.AccessToken != "at-2" || tok.RefreshToken != "rt-2" || tok.User.ID != "u1" {
		t.Fatalf("token = %+v", tok)
	}
	if !tok.Expiry(time.Now()).Equal(time.Unix(1717243200, 0)) {
		t.Fatalf("expiry = %v", tok.Expiry(time.Now()))
	}
}

func TestRefreshToken_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token: Refresh Token Not Found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k", srv.Client()).RefreshToken(context.Background(), "dead")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "invalid_grant" || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("api error = %+v", apiErr)
	}
	if !IsAuthError(err) {
		t.Fatal("expected IsAuthError")
	}
}

func TestRefreshToken_EmptyTokenFailsLocally(t *testing.T) {
	c := New("http://127.0.0.1:0", "k", nil)
	if _, err := c.RefreshToken(context.Background(), ""); !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestSignInGetUserLogout(t *testing.T) {
	var loggedOut bool
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "password" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(User{ID: "u1", Email: "a@example.com"})
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		loggedOut = true
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "k", srv.Client())
	ctx := context.Background()

	now := time.Now()
	tok, err := c.SignInWithPassword(ctx, "a@example.com", "pw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if exp := tok.Expiry(now); exp.Sub(now) != time.Hour {
		t.Fatalf("expiry from expires_in = %v", exp.Sub(now))
	}

	u, err := c.GetUser(ctx, "at")
	if err != nil || u.ID != "u1" {
		t.Fatalf("get user = %+v, %v", u, err)
	}
	if _, err := c.GetUser(ctx, "stale"); !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}

	if err := c.Logout(ctx, "at"); err != nil || !loggedOut {
		t.Fatalf("logout: %v", err)
	}
}
