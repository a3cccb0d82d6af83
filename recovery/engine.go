// Package recovery restores a working backend session after the API client
// loses its token or the health monitor reports trouble.
package recovery

import (
	"context"
	"strings"
	"sync/atomic"

	"marketflow/health"
	"marketflow/localstore"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/session"
)

type Outcome string

const (
	Recovered     Outcome = "recovered"
	SignedOut     Outcome = "signed_out"
	Failed        Outcome = "failed"
	WaitingOnline Outcome = "waiting_online"
	Skipped       Outcome = "skipped"
)

// Result is the outcome of one Recover call.
type Result struct {
	Outcome Outcome
	Reason  string
	Message string
}

// DefaultKeep lists the storage key prefixes a forced sign-out leaves alone.
var DefaultKeep = []string{"prefs:", health.LogKey}

// Sessions reads the client session and drops it from memory.
type Sessions interface {
	Session(ctx context.Context) (*session.Session, error)
	Forget()
}

// Refresher performs (or joins) a token refresh network call.
type Refresher interface {
	HardRefresh(ctx context.Context) (*session.Session, error)
}

type CacheInvalidator interface {
	InvalidateAll() int
}

// Monitor is the part of the health monitor the engine drives.
type Monitor interface {
	Ping(ctx context.Context) health.PingResult
	SetRecovering(on bool)
	Record(ctx context.Context, event string, ok bool, message string)
}

// RemoteLogout revokes a token on the auth service.
type RemoteLogout interface {
	Logout(ctx context.Context, accessToken string) error
}

type Deps struct {
	Connectivity Connectivity
	Sessions     Sessions
	Refresher    Refresher
	Cache        CacheInvalidator
	Monitor      Monitor
	Logout       RemoteLogout
	Storage      localstore.Store
	// Keep overrides DefaultKeep.
	Keep []string
	// OnSignedOut fires after a forced sign-out has cleared local state.
	OnSignedOut func(Result)
}

// Engine runs at most one recovery at a time. A second caller is not
// queued; it gets Skipped straight away.
type Engine struct {
	deps    Deps
	running atomic.Bool
}

func New(deps Deps) *Engine {
	if deps.Keep == nil {
		deps.Keep = DefaultKeep
	}
	return &Engine{deps: deps}
}

// Running reports whether a recovery pass is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// RecoverSession runs Recover and reports whether the backend is usable.
func (e *Engine) RecoverSession(ctx context.Context, reason string) bool {
	return e.Recover(ctx, reason).Outcome == Recovered
}

func (e *Engine) Recover(ctx context.Context, reason string) Result {
	log := logging.Ctx(ctx).With().Str("component", "recovery").Str("reason", reason).Logger()

	if !e.running.CompareAndSwap(false, true) {
		log.Info().Msg("recovery already running, skipping")
		return e.finish(ctx, Result{Outcome: Skipped, Reason: reason, Message: "recovery already in progress"})
	}
	defer e.running.Store(false)

	if e.deps.Monitor != nil {
		e.deps.Monitor.SetRecovering(true)
		defer e.deps.Monitor.SetRecovering(false)
	}

	if e.deps.Connectivity != nil && !e.deps.Connectivity.Online(ctx) {
		log.Info().Msg("offline, waiting for connectivity")
		return e.finish(ctx, Result{Outcome: WaitingOnline, Reason: reason, Message: "device is offline"})
	}

	var sess *session.Session
	if e.deps.Sessions != nil {
		var err error
		if sess, err = e.deps.Sessions.Session(ctx); err != nil {
			log.Warn().Err(err).Msg("read session during recovery")
		}
	}

	if sess != nil && e.deps.Refresher != nil {
		fresh, err := e.deps.Refresher.HardRefresh(ctx)
		switch {
		case err != nil && isInvalidSession(err):
			log.Warn().Err(err).Msg("session is no longer valid")
			e.forceSignOut(ctx, sess)
			return e.finish(ctx, Result{Outcome: SignedOut, Reason: reason, Message: err.Error()})
		case err != nil:
			log.Warn().Err(err).Msg("refresh failed, continuing recovery")
		default:
			sess = fresh
		}
	}

	if e.deps.Cache != nil {
		n := e.deps.Cache.InvalidateAll()
		log.Debug().Int("entries", n).Msg("query cache invalidated")
	}

	if e.deps.Monitor == nil {
		return e.finish(ctx, Result{Outcome: Recovered, Reason: reason})
	}
	ping := e.deps.Monitor.Ping(ctx)
	switch {
	case ping.OK:
		return e.finish(ctx, Result{Outcome: Recovered, Reason: reason})
	case ping.IsAuthFailure():
		log.Warn().Int("code", ping.Code).Msg("backend rejected credentials")
		e.forceSignOut(ctx, sess)
		return e.finish(ctx, Result{Outcome: SignedOut, Reason: reason, Message: errMessage(ping.Err)})
	default:
		return e.finish(ctx, Result{Outcome: Failed, Reason: reason, Message: errMessage(ping.Err)})
	}
}

// forceSignOut clears every local auth artifact. Each step is best effort.
func (e *Engine) forceSignOut(ctx context.Context, sess *session.Session) {
	log := logging.Ctx(ctx)

	if e.deps.Cache != nil {
		e.deps.Cache.InvalidateAll()
	}
	if e.deps.Logout != nil && sess != nil && sess.AccessToken != "" {
		if err := e.deps.Logout.Logout(ctx, sess.AccessToken); err != nil {
			log.Warn().Err(err).Msg("remote logout failed")
		}
	}
	if e.deps.Storage != nil {
		n, err := e.deps.Storage.PurgeExcept(ctx, e.deps.Keep)
		if err != nil {
			log.Warn().Err(err).Msg("purge local storage")
		} else {
			log.Info().Int("keys", n).Msg("local storage purged")
		}
	}
	if e.deps.Sessions != nil {
		e.deps.Sessions.Forget()
	}
}

func (e *Engine) finish(ctx context.Context, res Result) Result {
	metrics.RecoveryOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != Skipped && e.deps.Monitor != nil {
		e.deps.Monitor.Record(ctx, "recovery:"+string(res.Outcome), res.Outcome == Recovered, res.Message)
	}
	logging.Ctx(ctx).Info().
		Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Str("message", res.Message).
		Msg("recovery finished")
	if res.Outcome == SignedOut && e.deps.OnSignedOut != nil {
		e.deps.OnSignedOut(res)
	}
	return res
}

// isInvalidSession reports whether a refresh error means the session is
// gone for good rather than temporarily unreachable.
func isInvalidSession(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"expired", "invalid", "not authenticated"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
