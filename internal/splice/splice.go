/*
Copyright 2026 The DeskGate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package splice implements the Splice Engine (component F): the
// bidirectional byte pump between a WebSocket and a TCP socket. It
// replaces the "temporary message handler" callback-swap pattern with
// an explicit Buffering → Streaming → Closed state machine: the
// WebSocket reader goroutine starts the moment the caller invokes
// StartBuffering, before the Retry/Dial Engine has necessarily
// produced a TCP socket, so a SPICE client's immediate handshake bytes
// are never lost to a race between "client sends on open" and
// "upstream not yet connected".
package splice

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/openviewer/deskgate/internal/registry"
	"github.com/openviewer/deskgate/internal/wsutil"
)

// State is a stage in the Buffering → Streaming → Closed machine.
type State int32

const (
	StateBuffering State = iota
	StateStreaming
	StateClosed
)

// Close codes per §6/§7.
const (
	CloseNormal          = websocket.CloseNormalClosure    // 1000
	CloseGoingAway       = websocket.CloseGoingAway        // 1001
	CloseProtocolError   = websocket.CloseProtocolError    // 1002
	ClosePolicyViolation = websocket.ClosePolicyViolation  // 1008
	CloseInternalError   = websocket.CloseInternalServerErr // 1011
)

type bufferedFrame struct {
	payload []byte
}

// Splice owns one connection's byte pump for its entire lifetime, from
// the moment the WebSocket upgrade succeeds until both sides are torn
// down.
type Splice struct {
	rec           *registry.Record
	bufferMaxSize int
	pool          wsutil.SlicePool
	log           *logrus.Entry
	now           func() time.Time

	mu           sync.Mutex
	state        State
	tcp          net.Conn
	buffered     []bufferedFrame
	bufferedSize int

	closeOnce sync.Once
	onClose   func(code int, reason string)
}

// New creates a Splice in the Buffering state for rec. onClose is
// invoked exactly once, however the connection ends, so the Dispatcher
// can unregister it from the Connection Registry.
func New(rec *registry.Record, bufferMaxSize int, pool wsutil.SlicePool, log *logrus.Entry, onClose func(code int, reason string)) *Splice {
	return &Splice{
		rec:           rec,
		bufferMaxSize: bufferMaxSize,
		pool:          pool,
		log:           log,
		now:           time.Now,
		state:         StateBuffering,
		onClose:       onClose,
	}
}

// StartBuffering launches the WebSocket reader goroutine. It must be
// called before the caller attempts to dial TCP, so that frames sent
// by the client immediately on open are captured rather than dropped.
func (s *Splice) StartBuffering() {
	go s.readLoop()
}

// BeginStreaming transitions Buffering → Streaming: it flushes every
// buffered frame to tcp, in arrival order, as one TCP write per frame,
// installs tcp as the permanent sink for the reader goroutine, and
// starts the TCP→WebSocket pump. It is an error to call this more than
// once or after Close.
func (s *Splice) BeginStreaming(tcp net.Conn) error {
	s.mu.Lock()
	if s.state != StateBuffering {
		s.mu.Unlock()
		return errClosedOrStreaming
	}

	buffered := s.buffered
	s.buffered = nil
	s.bufferedSize = 0
	s.tcp = tcp
	s.state = StateStreaming
	s.mu.Unlock()

	for _, f := range buffered {
		if _, err := tcp.Write(f.payload); err != nil {
			s.Close(CloseInternalError, "internal error")
			return err
		}
	}

	go s.pumpFromTCP()
	return nil
}

// Abort discards any buffered frames and closes the WebSocket; called
// when the Retry/Dial Engine exhausts its attempts.
func (s *Splice) Abort(code int, reason string) {
	s.Close(code, reason)
}

// readLoop is the single WebSocket reader for the lifetime of the
// connection. It is the only goroutine that calls rec.WS.ReadMessage,
// so ordering within the client→server direction is simply program
// order here; forwardToTCP's lock only needs to arbitrate against a
// concurrent BeginStreaming flush, never against another reader.
func (s *Splice) readLoop() {
	for {
		messageType, payload, err := s.rec.WS.ReadMessage()
		if err != nil {
			s.Close(CloseNormal, "VNC connection closed")
			return
		}

		s.rec.Touch()

		switch messageType {
		case websocket.BinaryMessage:
			if err := s.forwardToTCP(payload); err != nil {
				return
			}
		case websocket.TextMessage:
			if s.handleText(payload) {
				continue
			}
			// Legacy fallback: malformed JSON is treated as raw binary.
			if err := s.forwardToTCP(payload); err != nil {
				return
			}
		}
	}
}

// handleText interprets payload as a JSON control message. It returns
// true if payload was recognised as a control message (handled, no TCP
// side effect beyond what's documented), false if the caller should
// fall back to forwarding it as raw binary.
func (s *Splice) handleText(payload []byte) bool {
	msg, ok := parseControlMessage(payload)
	if !ok {
		return false
	}

	switch msg.Type {
	case controlTypePing:
		pong := encodePong(s.now().UnixMilli())
		_ = s.rec.WriteMessage(websocket.TextMessage, pong)
		s.rec.Touch()
	case controlTypeResize, controlTypeQuality, controlTypeClipboard:
		s.log.WithFields(logrus.Fields{"type": msg.Type}).Debug("observed control message, no transport side effect")
	default:
		s.log.WithFields(logrus.Fields{"type": msg.Type}).Debug("ignoring unrecognised control message")
	}
	return true
}

// forwardToTCP is called once per client→server frame, in arrival
// order. While Buffering it appends to the ordered buffer (closing the
// connection with 1011 if bufferMaxSize is exceeded); while Streaming
// it writes straight to tcp under the same lock, which is what
// guarantees early-buffered frames are flushed before any frame that
// arrives after BeginStreaming (see BeginStreaming).
func (s *Splice) forwardToTCP(payload []byte) error {
	s.mu.Lock()

	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return errClosedOrStreaming

	case StateBuffering:
		s.bufferedSize += len(payload)
		if s.bufferedSize > s.bufferMaxSize {
			s.mu.Unlock()
			s.Close(CloseInternalError, "pre-handshake buffer exceeded")
			return errBufferOverflow
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		s.buffered = append(s.buffered, bufferedFrame{payload: cp})
		s.mu.Unlock()
		return nil

	default: // StateStreaming
		tcp := s.tcp
		s.mu.Unlock()
		_, err := tcp.Write(payload)
		if err != nil {
			s.Close(CloseInternalError, "internal error")
			return err
		}
		return nil
	}
}

// pumpFromTCP is the server→client direction: every TCP read becomes
// exactly one binary WebSocket send.
func (s *Splice) pumpFromTCP() {
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	for {
		n, err := s.tcp.Read(buf)
		if n > 0 {
			s.rec.Touch()
			if werr := s.rec.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				s.Close(CloseInternalError, "internal error")
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				s.Close(CloseNormal, "VNC connection closed")
			} else {
				s.Close(CloseInternalError, "internal error")
			}
			return
		}
	}
}

// WriteError sends a best-effort structured text error frame; used by
// the Dispatcher before closing a connection that never reached
// [Spliced].
func (s *Splice) WriteError(message string) {
	_ = s.rec.WriteMessage(websocket.TextMessage, encodeError(message))
}

// Close tears the connection down: half-closes TCP for writing (or
// fully closes it if half-close isn't supported), sends a WS close
// frame with code, and invokes onClose. Idempotent.
func (s *Splice) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		tcp := s.tcp
		s.mu.Unlock()

		if tcp != nil {
			if half, ok := tcp.(interface{ CloseWrite() error }); ok {
				_ = half.CloseWrite()
			} else {
				_ = tcp.Close()
			}
		}

		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.rec.WriteControl(websocket.CloseMessage, msg, s.now().Add(time.Second))
		_ = s.rec.WS.Close()

		if s.onClose != nil {
			s.onClose(code, reason)
		}
	})
}

// State returns the current machine state; exposed for tests.
func (s *Splice) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

var (
	errClosedOrStreaming = spliceErr("splice: invalid state transition")
	errBufferOverflow    = spliceErr("splice: pre-handshake buffer exceeded")
)

type spliceErr string

func (e spliceErr) Error() string { return string(e) }
