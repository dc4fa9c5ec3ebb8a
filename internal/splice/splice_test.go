package splice

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openviewer/deskgate/internal/registry"
	"github.com/openviewer/deskgate/internal/wsutil"
)

// wsPair dials a real WebSocket connection against a local
// httptest.Server and returns both ends, since gorilla/websocket
// exposes no in-memory net.Pipe-style constructor.
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

func TestByteExactClientToServer(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	rec := &registry.Record{ConnectionID: "c1", VMID: "vm-1", WS: serverWS}
	tcpServer, tcpClient := net.Pipe()
	defer tcpServer.Close()
	defer tcpClient.Close()

	pool := wsutil.NewSlicePool(4096)
	s := New(rec, 1<<20, pool, discardLog(), nil)
	s.StartBuffering()
	require.NoError(t, s.BeginStreaming(tcpClient))

	want := []byte{0x52, 0x45, 0x00}
	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		_, err := io.ReadFull(tcpServer, buf)
		if err != nil {
			readDone <- nil
			return
		}
		readDone <- buf
	}()

	require.NoError(t, clientWS.WriteMessage(websocket.BinaryMessage, want))

	select {
	case got := <-readDone:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded bytes")
	}
}

func TestByteExactServerToClient(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	rec := &registry.Record{ConnectionID: "c1b", VMID: "vm-1", WS: serverWS}
	tcpServer, tcpClient := net.Pipe()
	defer tcpServer.Close()
	defer tcpClient.Close()

	pool := wsutil.NewSlicePool(4096)
	s := New(rec, 1<<20, pool, discardLog(), nil)
	s.StartBuffering()
	require.NoError(t, s.BeginStreaming(tcpClient))

	want := []byte{0x42, 0x00, 0x01, 0x02}
	go func() { _, _ = tcpServer.Write(want) }()

	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, payload, err := clientWS.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, want, payload)
}

func TestBufferingFlushesInOrderBeforeDial(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	rec := &registry.Record{ConnectionID: "c2", VMID: "vm-2", WS: serverWS}
	pool := wsutil.NewSlicePool(4096)
	s := New(rec, 1<<20, pool, discardLog(), nil)

	s.StartBuffering()

	frames := [][]byte{
		make([]byte, 64),
		make([]byte, 16),
		make([]byte, 4),
	}
	for i, f := range frames {
		for j := range f {
			f[j] = byte(i + 1)
		}
		require.NoError(t, clientWS.WriteMessage(websocket.BinaryMessage, f))
	}

	// Give the reader goroutine time to buffer all three frames before
	// the simulated dial completes.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateBuffering, s.State())

	tcpServer, tcpClient := net.Pipe()
	defer tcpServer.Close()
	defer tcpClient.Close()

	var mu sync.Mutex
	var writes [][]byte
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 256)
		for i := 0; i < 3; i++ {
			n, err := tcpServer.Read(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			mu.Lock()
			writes = append(writes, cp)
			mu.Unlock()
		}
	}()

	require.NoError(t, s.BeginStreaming(tcpClient))

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for buffered flush")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, writes, 3)
	require.Len(t, writes[0], 64)
	require.Len(t, writes[1], 16)
	require.Len(t, writes[2], 4)
}

func TestBufferOverflowClosesConnection(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	rec := &registry.Record{ConnectionID: "c3", VMID: "vm-3", WS: serverWS}
	pool := wsutil.NewSlicePool(64)

	closed := make(chan int, 1)
	s := New(rec, 32, pool, discardLog(), func(code int, reason string) { closed <- code })
	s.StartBuffering()

	require.NoError(t, clientWS.WriteMessage(websocket.BinaryMessage, make([]byte, 64)))

	select {
	case code := <-closed:
		require.Equal(t, CloseInternalError, code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for overflow close")
	}
	require.Equal(t, StateClosed, s.State())
}

func TestPingControlMessageGetsPongReply(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	rec := &registry.Record{ConnectionID: "c4", VMID: "vm-4", WS: serverWS}
	pool := wsutil.NewSlicePool(64)
	s := New(rec, 1<<20, pool, discardLog(), nil)
	s.StartBuffering()

	require.NoError(t, clientWS.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, payload, err := clientWS.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Contains(t, string(payload), `"pong"`)
}

func TestCloseIsIdempotent(t *testing.T) {
	serverWS, _ := wsPair(t)
	rec := &registry.Record{ConnectionID: "c5", VMID: "vm-5", WS: serverWS}
	pool := wsutil.NewSlicePool(64)

	calls := 0
	s := New(rec, 1<<20, pool, discardLog(), func(code int, reason string) { calls++ })

	s.Close(CloseNormal, "done")
	s.Close(CloseNormal, "done")
	require.Equal(t, 1, calls)
}
