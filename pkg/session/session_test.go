package session

import (
	"encoding/binary"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
)

type scriptedConn struct {
	mu        sync.Mutex
	written   []message.Envelope
	closeCode int

	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	failWrites bool
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.reads:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *scriptedConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	env, err := message.Parse(data, 0)
	if err != nil {
		return err
	}
	c.written = append(c.written, env)
	return nil
}

func (c *scriptedConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		c.mu.Unlock()
	}
	return nil
}

func (c *scriptedConn) SetReadLimit(int64) {}

func (c *scriptedConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) push(t *testing.T, raw string) {
	t.Helper()
	c.reads <- []byte(raw)
}

func (c *scriptedConn) writtenTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.written))
	for i, env := range c.written {
		types[i] = env.Type()
	}
	return types
}

func newTestSession(t *testing.T, conn Conn, hooks Hooks) *PeerSession {
	t.Helper()
	return NewPeerSession(PeerSessionParams{
		ClientId: "c1",
		ApiKey:   "k1",
		Conn:     conn,
		Hooks:    hooks,
		Logger:   zaptest.NewLogger(t),
	})
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	conn := newScriptedConn()
	keepAlives := make(chan struct{}, 1)
	s := newTestSession(t, conn, Hooks{
		OnKeepAlive: func(*PeerSession) { keepAlives <- struct{}{} },
	})
	go s.Run()
	defer s.Close(CloseNormal, "test teardown")

	before := s.LastSeen()
	time.Sleep(5 * time.Millisecond)
	conn.push(t, `{"type":"ping"}`)

	select {
	case <-keepAlives:
	case <-time.After(time.Second):
		t.Fatal("keep-alive hook never fired")
	}
	assert.Contains(t, conn.writtenTypes(), "pong")
	assert.True(t, s.LastSeen().After(before))
}

func TestMalformedFrameIsDroppedWithoutClosing(t *testing.T) {
	conn := newScriptedConn()
	received := make(chan message.Envelope, 1)
	s := newTestSession(t, conn, Hooks{
		OnMessage: func(_ *PeerSession, env message.Envelope) { received <- env },
	})
	go s.Run()
	defer s.Close(CloseNormal, "test teardown")

	conn.push(t, `{"type":`)
	conn.push(t, `{"type":"roll-result","requestId":"roll_1"}`)

	select {
	case env := <-received:
		assert.Equal(t, "roll-result", env.Type())
	case <-time.After(time.Second):
		t.Fatal("session stopped processing after malformed frame")
	}

	select {
	case <-s.Done():
		t.Fatal("session closed on malformed frame")
	default:
	}
}

func TestWriteFailureClosesWithInternalError(t *testing.T) {
	conn := newScriptedConn()
	closed := make(chan struct{})
	s := newTestSession(t, conn, Hooks{
		OnClose: func(*PeerSession) { close(closed) },
	})

	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	ok := s.Send(message.Envelope{"type": "roll", "requestId": "roll_1"})
	assert.False(t, ok)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session did not close after write failure")
	}
	assert.Equal(t, CloseInternalError, conn.closeCode)
}

func TestCloseFiresHookExactlyOnce(t *testing.T) {
	conn := newScriptedConn()
	var closes int
	var mu sync.Mutex
	s := newTestSession(t, conn, Hooks{
		OnClose: func(*PeerSession) {
			mu.Lock()
			closes++
			mu.Unlock()
		},
	})

	s.Close(CloseDuplicateConnection, "duplicate connection")
	s.Close(CloseNormal, "again")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, closes)
	assert.Equal(t, CloseDuplicateConnection, conn.closeCode)
}

func TestParseHandshake(t *testing.T) {
	query, err := url.ParseQuery("id=c1&token=tk&worldId=w1&worldTitle=Golden+Vale&foundryVersion=11.315&systemId=dnd5e&systemTitle=DnD&systemVersion=2.4.1&customName=Main+Table")
	require.NoError(t, err)

	hs := ParseHandshake(query, "https://vtt.example.com")

	assert.Equal(t, "c1", hs.ClientId)
	assert.Equal(t, "tk", hs.Token)
	assert.Equal(t, "w1", hs.Metadata.WorldId)
	assert.Equal(t, "Golden Vale", hs.Metadata.WorldTitle)
	assert.Equal(t, "dnd5e", hs.Metadata.SystemId)
	assert.Equal(t, "Main Table", hs.Metadata.CustomName)
	assert.Equal(t, "https://vtt.example.com", hs.Metadata.Origin)
}
