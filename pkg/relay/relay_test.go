package relay

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/auth"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/session"
)

// fakeConn scripts one side of a websocket: frames written by the session
// are captured (and optionally answered), frames pushed via deliver show up
// on ReadMessage.
type fakeConn struct {
	mu        sync.Mutex
	written   []message.Envelope
	closeCode int

	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	failWrites bool
	onWrite    func(env message.Envelope)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.reads:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, stderrors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	fail := c.failWrites
	c.mu.Unlock()
	if fail {
		return stderrors.New("broken pipe")
	}

	env, err := message.Parse(data, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.written = append(c.written, env)
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(env)
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, env message.Envelope) {
	t.Helper()
	data, err := message.Serialize(env)
	require.NoError(t, err)
	c.reads <- data
}

func (c *fakeConn) lastWritten(t *testing.T) message.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.written)
	return c.written[len(c.written)-1]
}

func (c *fakeConn) observedCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// echo turns the fake peer into one that answers every request with
// {type: t-result, requestId, ...payload}.
func (c *fakeConn) echo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = func(env message.Envelope) {
		if !message.IsRequestType(env.Type()) {
			return
		}
		reply := message.Envelope{
			"type":      message.ResponseTypeFor(env.Type()),
			"requestId": env.RequestId(),
		}
		for k, v := range env {
			if k == "type" || k == "requestId" {
				continue
			}
			reply[k] = v
		}
		data, _ := message.Serialize(reply)
		c.reads <- data
	}
}

func newTestRelay(t *testing.T, replicaId string) *Relay {
	t.Helper()
	return NewRelay(RelayParams{
		Config: Config{
			ReplicaId:      replicaId,
			DefaultTimeout: 2 * time.Second,
		},
		Auth:   auth.NewStaticKeys(""),
		Logger: zaptest.NewLogger(t),
	})
}

func attachPeer(t *testing.T, r *Relay, clientId, apiKey string) (*session.PeerSession, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := session.NewPeerSession(session.PeerSessionParams{
		ClientId: clientId,
		ApiKey:   apiKey,
		Conn:     conn,
		Hooks:    r.SessionHooks(),
		Logger:   zaptest.NewLogger(t),
	})
	r.Attach(context.Background(), s)
	go s.Run()
	t.Cleanup(func() { s.Close(session.CloseNormal, "test teardown") })
	return s, conn
}

func TestLocalEcho(t *testing.T) {
	r := newTestRelay(t, "A")
	_, conn := attachPeer(t, r, "c1", "k1")
	conn.echo()

	res := r.Dispatch(context.Background(), Request{
		Type:     "roll",
		ApiKey:   "k1",
		ClientId: "c1",
		Payload:  map[string]interface{}{"formula": "1d20"},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "roll-result", res.Body.Type())
	assert.Equal(t, "1d20", res.Body["formula"])
	assert.NotEmpty(t, res.Body.RequestId())
	assert.Zero(t, r.PendingCount())
}

func TestUnknownClientLeavesPendingUntouched(t *testing.T) {
	r := newTestRelay(t, "A")

	res := r.Dispatch(context.Background(), Request{
		Type:     "rolls",
		ApiKey:   "k1",
		ClientId: "cZ",
	})

	require.Error(t, res.Err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(res.Err))
	assert.Equal(t, "Invalid client ID", res.Err.Error())
	assert.Zero(t, r.PendingCount())
}

func TestUnknownRequestTypeRejected(t *testing.T) {
	r := newTestRelay(t, "A")

	res := r.Dispatch(context.Background(), Request{
		Type:     "frobnicate",
		ApiKey:   "k1",
		ClientId: "c1",
	})

	require.Error(t, res.Err)
	assert.Equal(t, errors.KindBadRequest, errors.KindOf(res.Err))
}

func TestTimeoutOnSilentPeer(t *testing.T) {
	r := newTestRelay(t, "A")
	attachPeer(t, r, "c1", "k1")

	start := time.Now()
	res := r.Dispatch(context.Background(), Request{
		Type:     "roll",
		ApiKey:   "k1",
		ClientId: "c1",
		Timeout:  200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, res.Err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(res.Err))
	assert.Equal(t, "Request timed out", res.Err.Error())
	assert.InDelta(t, 200*time.Millisecond, elapsed, float64(100*time.Millisecond))
	assert.Zero(t, r.PendingCount())
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	r := newTestRelay(t, "A")
	s, conn := attachPeer(t, r, "c1", "k1")

	res := r.Dispatch(context.Background(), Request{
		Type:     "roll",
		ApiKey:   "k1",
		ClientId: "c1",
		Timeout:  150 * time.Millisecond,
	})
	require.Error(t, res.Err)

	// The peer answers long after the waiter is gone.
	requestId := conn.lastWritten(t).RequestId()
	conn.deliver(t, message.Envelope{"type": "roll-result", "requestId": requestId, "result": 3.0})

	assert.Eventually(t, func() bool { return r.PendingCount() == 0 }, time.Second, 10*time.Millisecond)
	_ = s
}

func TestDuplicateHandshakeEvictsOlderSessionWith4004(t *testing.T) {
	r := newTestRelay(t, "A")
	_, oldConn := attachPeer(t, r, "c1", "k1")
	_, newConn := attachPeer(t, r, "c1", "k1")
	newConn.echo()

	assert.Equal(t, session.CloseDuplicateConnection, oldConn.observedCloseCode())
	assert.Equal(t, 1, r.ConnectionCount())

	// Requests now land on the replacement session.
	res := r.Dispatch(context.Background(), Request{
		Type:     "roll",
		ApiKey:   "k1",
		ClientId: "c1",
		Payload:  map[string]interface{}{"formula": "2d6"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "2d6", res.Body["formula"])
}

func TestSendFailureFailsFast(t *testing.T) {
	r := newTestRelay(t, "A")
	_, conn := attachPeer(t, r, "c1", "k1")
	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	res := r.Dispatch(context.Background(), Request{
		Type:     "roll",
		ApiKey:   "k1",
		ClientId: "c1",
	})

	require.Error(t, res.Err)
	assert.Equal(t, errors.KindUpstreamUnavailable, errors.KindOf(res.Err))
	assert.Zero(t, r.PendingCount())
}

func TestPeerDisconnectDoesNotFailPendingWaiters(t *testing.T) {
	r := newTestRelay(t, "A")
	s, conn := attachPeer(t, r, "c1", "k1")

	resCh := make(chan struct {
		body message.Envelope
		err  error
	}, 1)
	go func() {
		res := r.Dispatch(context.Background(), Request{
			Type:     "roll",
			ApiKey:   "k1",
			ClientId: "c1",
			Timeout:  time.Second,
		})
		resCh <- struct {
			body message.Envelope
			err  error
		}{res.Body, res.Err}
	}()

	require.Eventually(t, func() bool { return r.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	requestId := conn.lastWritten(t).RequestId()

	// Peer drops; the waiter stays pending.
	s.Close(session.CloseNormal, "network blip")
	assert.Equal(t, 1, r.PendingCount())

	// The peer reconnects and answers the same requestId.
	_, conn2 := attachPeer(t, r, "c1", "k1")
	conn2.deliver(t, message.Envelope{"type": "roll-result", "requestId": requestId, "result": 11.0})

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, 11.0, res.body["result"])
}

func TestReaperSweepsExpiredWaiters(t *testing.T) {
	r := newTestRelay(t, "A")

	done := make(chan internalResult, 1)
	registerExpiredWaiter(t, r, done)

	r.sweepExpiredWaiters()

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.Equal(t, errors.KindTimeout, errors.KindOf(res.err))
	default:
		t.Fatal("expired waiter was not resolved")
	}
	assert.Zero(t, r.PendingCount())
}
