package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"marketflow/logging"
)

type fakeServer struct {
	listenErr error
	shutdowns atomic.Int32
	started   chan struct{}
	stop      chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return nil
}

type fakeLoop struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (l *fakeLoop) Start(context.Context) error { l.starts.Add(1); return nil }
func (l *fakeLoop) Stop()                       { l.stops.Add(1) }

func TestHTTPServerService_GracefulShutdown(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("serve returned %v", err)
	}
	if srv.shutdowns.Load() != 1 {
		t.Fatalf("shutdown calls = %d", srv.shutdowns.Load())
	}
}

func TestHTTPServerService_ListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.listenErr = errors.New("address in use")

	err := NewHTTPServerService(srv, 0).Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestTree_RunsLoopServices(t *testing.T) {
	loop := &fakeLoop{}
	tree := NewTree("marketflow-test", logging.NewSlogLogger(), TreeConfig{ShutdownTimeout: time.Second})
	tree.AddBackgroundService(NewLoopService("health-monitor", loop))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for loop.starts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if loop.starts.Load() != 1 {
		t.Fatalf("loop starts = %d", loop.starts.Load())
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	if loop.stops.Load() != 1 {
		t.Fatalf("loop stops = %d", loop.stops.Load())
	}
}
