package uno_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguin-orz/datamax2/pkg/models"
	"github.com/penguin-orz/datamax2/pkg/uno"
	"github.com/penguin-orz/datamax2/pkg/uno/unotest"
)

func newTestServer(t *testing.T) *unotest.Server {
	t.Helper()
	srv := unotest.NewServer()
	if err := srv.Start(""); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *unotest.Server) *uno.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := uno.Connect(ctx, "127.0.0.1", srv.Port(), "", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestConnectAndPing(t *testing.T) {
	srv := newTestServer(t)
	sess := connect(t, srv)

	if sess.ID() == "" {
		t.Error("expected a session id from the handshake")
	}
	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got := srv.Calls("ping"); got != 1 {
		t.Errorf("expected 1 ping call, got %d", got)
	}
}

func TestInvokeRemoteFault(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("convert", func(uno.Request) (any, *uno.RemoteFault) {
		return nil, &uno.RemoteFault{Code: "disposed", Message: "bridge disposed"}
	})
	sess := connect(t, srv)

	_, err := sess.Invoke(context.Background(), "convert", nil, nil)
	if !models.IsKind(err, models.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	var e *models.Error
	if !errors.As(err, &e) || e.Code != "disposed" {
		t.Errorf("expected code disposed, got %v", err)
	}
	// Session stays usable after an application-level failure.
	if err := sess.Ping(context.Background()); err != nil {
		t.Errorf("ping after remote fault: %v", err)
	}
}

func TestInvokeUnknownMethod(t *testing.T) {
	srv := newTestServer(t)
	sess := connect(t, srv)

	_, err := sess.Invoke(context.Background(), "nope", nil, nil)
	if !models.IsKind(err, models.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestConnectionDropMidCall(t *testing.T) {
	srv := newTestServer(t)
	srv.DropConnections(1)
	sess := connect(t, srv)

	_, err := sess.Invoke(context.Background(), "convert", nil, map[string]any{"input_url": "x"})
	if !models.IsKind(err, models.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}
	if !sess.Broken() {
		t.Error("session should be marked broken after a dropped socket")
	}
	if _, err := sess.Invoke(context.Background(), "ping", nil, nil); !models.IsKind(err, models.ErrConnectionLost) {
		t.Errorf("broken session should refuse further calls, got %v", err)
	}
}

func TestHandshakeRefused(t *testing.T) {
	srv := newTestServer(t)
	srv.RefuseSessions(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := uno.Connect(ctx, "127.0.0.1", srv.Port(), "", zerolog.Nop())
	if !models.IsKind(err, models.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestCancelMidCall(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("slow", func(uno.Request) (any, *uno.RemoteFault) {
		time.Sleep(2 * time.Second)
		return "done", nil
	})
	sess := connect(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := sess.Invoke(ctx, "slow", nil, nil)
	if !models.IsKind(err, models.ErrConnectionLost) {
		t.Fatalf("expected connection lost on cancellation, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not abort the call promptly")
	}
	if !sess.Broken() {
		t.Error("aborted session should be broken")
	}
}

func TestConnectNoService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := uno.Connect(ctx, "127.0.0.1", 1, "", zerolog.Nop())
	if !models.IsKind(err, models.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}
}
