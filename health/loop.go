package health

import (
	"context"
	"time"

	"marketflow/logging"
)

// Start runs a ping immediately and then on every interval until Stop or
// ctx is done. Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.stopDone = done
	m.running = true

	go m.run(loopCtx, done)

	logging.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	return nil
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	done := m.stopDone
	m.loopMu.Unlock()

	<-done
	logging.Info().Msg("health monitor stopped")
}

func (m *Monitor) IsRunning() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// A loop ended by its parent context must not block a later Start.
		m.loopMu.Lock()
		if m.stopDone == done {
			m.running = false
		}
		m.loopMu.Unlock()
		close(done)
	}()

	m.Ping(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Ping(ctx)
		}
	}
}
