// Package health watches backend reachability and session validity for the
// API client. It keeps a small in-memory state and a bounded log that is
// persisted locally for diagnostics and never sent anywhere.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"marketflow/localstore"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/session"
)

// LogKey is where the ping log is persisted. Forced sign-out keeps it.
const LogKey = "health:log"

const (
	DefaultInterval   = 30 * time.Second
	DefaultLogEntries = 50
	pingPath          = "/rest/v1/seller_products?select=id&limit=1"
)

// ErrNoSession is reported by Ping when there is no session to check with.
var ErrNoSession = errors.New("health: no session")

type AuthStatus string

const (
	AuthUnknown AuthStatus = "unknown"
	AuthValid   AuthStatus = "valid"
	AuthExpired AuthStatus = "expired"
	AuthNone    AuthStatus = "none"
)

// State is a snapshot of the monitor.
type State struct {
	LastPingAt          time.Time     `json:"last_ping_at"`
	LastOK              bool          `json:"last_ok"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastErrorCode       int           `json:"last_error_code,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	AuthStatus          AuthStatus    `json:"auth_status"`
	Recovering          bool          `json:"recovering"`
}

// LogEntry is one line of the persisted diagnostics log.
type LogEntry struct {
	At        time.Time  `json:"at"`
	Event     string     `json:"event"`
	OK        bool       `json:"ok"`
	Code      int        `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
	LatencyMS int64      `json:"latency_ms,omitempty"`
	Auth      AuthStatus `json:"auth,omitempty"`
}

// PingResult is the outcome of one ping. Code is the HTTP status of a
// failed read, or 0 when no response was received.
type PingResult struct {
	OK      bool
	Code    int
	Err     error
	Latency time.Duration
}

// IsAuthFailure reports whether the backend rejected the credentials.
func (r PingResult) IsAuthFailure() bool {
	return r.Code == http.StatusUnauthorized || r.Code == http.StatusForbidden
}

// SessionReader reads the client session.
type SessionReader interface {
	Session(ctx context.Context) (*session.Session, error)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Interval   time.Duration
	LogEntries int
	Timeout    time.Duration
}

type Monitor struct {
	cfg      Config
	sessions SessionReader
	kv       localstore.Store
	http     *http.Client
	now      func() time.Time

	mu    sync.Mutex
	state State
	log   []LogEntry

	// loop lifecycle
	loopMu   sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

func NewMonitor(cfg Config, sessions SessionReader, kv localstore.Store, httpClient *http.Client) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LogEntries <= 0 {
		cfg.LogEntries = DefaultLogEntries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Monitor{
		cfg:      cfg,
		sessions: sessions,
		kv:       kv,
		http:     httpClient,
		now:      time.Now,
		state:    State{AuthStatus: AuthUnknown},
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// State returns a snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Log returns a copy of the in-memory log, oldest first.
func (m *Monitor) Log() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.log))
	copy(out, m.log)
	return out
}

// LoadLog restores the persisted log. A missing log is not an error.
func (m *Monitor) LoadLog(ctx context.Context) error {
	if m.kv == nil {
		return nil
	}
	var entries []LogEntry
	if err := m.kv.Get(ctx, LogKey, &entries); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("health: load log: %w", err)
	}
	m.mu.Lock()
	m.log = trimOldest(entries, m.cfg.LogEntries)
	m.mu.Unlock()
	return nil
}

// SetRecovering flags a recovery pass in progress.
func (m *Monitor) SetRecovering(on bool) {
	m.mu.Lock()
	m.state.Recovering = on
	m.mu.Unlock()
}

// Record appends an event that did not come from a ping, such as a
// recovery outcome.
func (m *Monitor) Record(ctx context.Context, event string, ok bool, message string) {
	m.mu.Lock()
	m.appendLocked(LogEntry{At: m.now(), Event: event, OK: ok, Message: message, Auth: m.state.AuthStatus})
	m.mu.Unlock()
	m.persist(ctx)
}

// Ping checks the session and, when there is one, performs a lightweight
// read against the backend.
func (m *Monitor) Ping(ctx context.Context) PingResult {
	now := m.now()
	auth, token := m.readSession(ctx, now)

	var res PingResult
	if token == "" {
		res = PingResult{Err: ErrNoSession}
	} else {
		res = m.read(ctx, token)
	}

	m.mu.Lock()
	m.state.LastPingAt = now
	m.state.LastOK = res.OK
	m.state.LastLatency = res.Latency
	m.state.AuthStatus = auth
	if res.OK {
		m.state.ConsecutiveFailures = 0
		m.state.LastErrorCode = 0
		m.state.LastError = ""
	} else {
		m.state.ConsecutiveFailures++
		m.state.LastErrorCode = res.Code
		m.state.LastError = errString(res.Err)
	}
	failures := m.state.ConsecutiveFailures
	m.appendLocked(LogEntry{
		At:        now,
		Event:     "ping",
		OK:        res.OK,
		Code:      res.Code,
		Message:   errString(res.Err),
		LatencyMS: res.Latency.Milliseconds(),
		Auth:      auth,
	})
	m.mu.Unlock()

	metrics.RecordHealthPing(res.OK, failures)
	m.persist(ctx)

	ev := logging.Ctx(ctx).Debug()
	if !res.OK {
		ev = logging.Ctx(ctx).Warn()
	}
	ev.Bool("ok", res.OK).
		Int("code", res.Code).
		Int("consecutive_failures", failures).
		Str("auth_status", string(auth)).
		Err(res.Err).
		Msg("health ping")
	return res
}

func (m *Monitor) readSession(ctx context.Context, now time.Time) (AuthStatus, string) {
	if m.sessions == nil {
		return AuthUnknown, ""
	}
	sess, err := m.sessions.Session(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("health: read session")
		return AuthUnknown, ""
	}
	if sess == nil || sess.AccessToken == "" {
		return AuthNone, ""
	}
	if sess.Expired(now) {
		return AuthExpired, sess.AccessToken
	}
	return AuthValid, sess.AccessToken
}

func (m *Monitor) read(ctx context.Context, token string) PingResult {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+pingPath, nil)
	if err != nil {
		return PingResult{Err: fmt.Errorf("health: build request: %w", err)}
	}
	req.Header.Set("apikey", m.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := m.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return PingResult{Err: fmt.Errorf("health: ping: %w", err), Latency: latency}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return PingResult{Code: resp.StatusCode, Err: fmt.Errorf("health: ping: %d %s", resp.StatusCode, msg), Latency: latency}
	}
	return PingResult{OK: true, Code: resp.StatusCode, Latency: latency}
}

func (m *Monitor) appendLocked(e LogEntry) {
	m.log = trimOldest(append(m.log, e), m.cfg.LogEntries)
}

// persist writes the log; failures are logged and dropped.
func (m *Monitor) persist(ctx context.Context) {
	if m.kv == nil {
		return
	}
	entries := m.Log()
	if err := m.kv.Put(ctx, LogKey, entries); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("health: persist log")
	}
}

func trimOldest(entries []LogEntry, max int) []LogEntry {
	if len(entries) <= max {
		return entries
	}
	out := make([]LogEntry, max)
	copy(out, entries[len(entries)-max:])
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
