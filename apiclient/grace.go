package apiclient

import (
	"context"
	"time"

	"marketflow/logging"
)

// DefaultGraceWindow is how long after the last known-good authentication a
// missing session is treated as a reconnect rather than a sign-out.
const DefaultGraceWindow = 12 * time.Hour

// MarkerSource reads the last-known-good session marker.
type MarkerSource interface {
	LastKnownGood(ctx context.Context) (time.Time, bool, error)
}

// GraceVerdict is the outcome of one evaluation.
type GraceVerdict struct {
	MarkerPresent bool
	WithinWindow  bool
	Age           time.Duration
}

// SoftReconnect reports whether both signals allow a soft failure.
func (v GraceVerdict) SoftReconnect() bool {
	return v.MarkerPresent && v.WithinWindow
}

// GraceEvaluator decides between soft-reconnecting and unauthorized when no
// token can be obtained.
type GraceEvaluator struct {
	markers MarkerSource
	window  time.Duration
	now     func() time.Time
}

func NewGraceEvaluator(markers MarkerSource, window time.Duration) *GraceEvaluator {
	if window <= 0 {
		window = DefaultGraceWindow
	}
	return &GraceEvaluator{markers: markers, window: window, now: time.Now}
}

func (g *GraceEvaluator) WithClock(now func() time.Time) *GraceEvaluator {
	g.now = now
	return g
}

// Evaluate reads the marker. An unreadable marker counts as absent.
func (g *GraceEvaluator) Evaluate(ctx context.Context) GraceVerdict {
	if g == nil || g.markers == nil {
		return GraceVerdict{}
	}
	at, ok, err := g.markers.LastKnownGood(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("read session marker")
		return GraceVerdict{}
	}
	if !ok {
		return GraceVerdict{}
	}
	age := g.now().Sub(at)
	return GraceVerdict{
		MarkerPresent: true,
		WithinWindow:  age >= 0 && age < g.window,
		Age:           age,
	}
}
