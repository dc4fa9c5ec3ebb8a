package heartbeat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openviewer/deskgate/internal/registry"
)

func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server = <-serverConnCh
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeTerminator struct {
	mu     sync.Mutex
	closed bool
	code   int
}

func (f *fakeTerminator) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func (f *fakeTerminator) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSweepReapsUnresponsiveAndPingsAlive(t *testing.T) {
	reg := registry.New()

	aliveWS, aliveClientWS := wsPair(t)
	aliveRec := &registry.Record{ConnectionID: "alive", VMID: "vm-1", WS: aliveWS}
	aliveRec.SetAlive(true)
	reg.Register(aliveRec)

	deadWS, _ := wsPair(t)
	deadRec := &registry.Record{ConnectionID: "dead", VMID: "vm-1", WS: deadWS}
	deadRec.SetAlive(false)
	reg.Register(deadRec)

	deadTerm := &fakeTerminator{}
	lookup := func(connectionID string) (Terminator, bool) {
		if connectionID == "dead" {
			return deadTerm, true
		}
		return nil, false
	}

	clock := clockwork.NewFakeClock()
	mon := New(reg, 30*time.Second, clock, discardLog(), lookup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		return deadTerm.wasClosed()
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, websocket.CloseGoingAway, deadTerm.code)

	pingSeen := make(chan struct{}, 1)
	aliveClientWS.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return aliveClientWS.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	go func() { _, _, _ = aliveClientWS.ReadMessage() }()

	select {
	case <-pingSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat ping")
	}
	require.False(t, aliveRec.Alive(), "flag must be cleared after sending a ping, awaiting the next pong")
}

func TestInstallPongHandlerRestoresAliveAndTouches(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	rec := &registry.Record{ConnectionID: "c1", VMID: "vm-1", WS: serverWS}
	rec.SetAlive(false)
	InstallPongHandler(rec)

	before := rec.LastActivity()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = serverWS.ReadMessage()
	}()

	require.NoError(t, clientWS.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	require.Eventually(t, func() bool { return rec.Alive() }, time.Second, 10*time.Millisecond)
	require.True(t, rec.LastActivity().After(before) || rec.LastActivity().Equal(before))
}
