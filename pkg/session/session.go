// Package session owns one WebSocket connection to one backend peer: the
// serialized writer, the read loop, application-level keep-alive, and the
// session's metadata snapshot.
package session

import (
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
)

// WebSocket close codes on the /relay endpoint.
const (
	CloseNormal              = 1000
	CloseInternalError       = 4000
	CloseNoClientId          = 4001
	CloseNoAuth              = 4002
	CloseNoConnectedGuild    = 4003
	CloseDuplicateConnection = 4004
	CloseServerShutdown      = 4005
)

const DefaultPingInterval = 30 * time.Second

// Metadata is the peer's self-reported world snapshot, set by the handshake
// and not changed afterwards. Keep-alive touches update the session's
// lastSeen, which is kept outside this struct.
type Metadata struct {
	WorldId        string
	WorldTitle     string
	FoundryVersion string
	SystemId       string
	SystemTitle    string
	SystemVersion  string
	CustomName     string
	Origin         string
	ConnectedSince time.Time
}

// Handshake carries the query parameters a peer presents when opening the
// socket.
type Handshake struct {
	ClientId string
	Token    string
	Metadata Metadata
}

func ParseHandshake(query url.Values, origin string) Handshake {
	return Handshake{
		ClientId: query.Get("id"),
		Token:    query.Get("token"),
		Metadata: Metadata{
			WorldId:        query.Get("worldId"),
			WorldTitle:     query.Get("worldTitle"),
			FoundryVersion: query.Get("foundryVersion"),
			SystemId:       query.Get("systemId"),
			SystemTitle:    query.Get("systemTitle"),
			SystemVersion:  query.Get("systemVersion"),
			CustomName:     query.Get("customName"),
			Origin:         origin,
		},
	}
}

// Conn is the slice of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Hooks connect a session to the relay core. All of them may be nil.
type Hooks struct {
	// OnMessage receives every inbound message that is not keep-alive
	// traffic.
	OnMessage func(s *PeerSession, env message.Envelope)

	// OnKeepAlive fires for every application-level ping, after lastSeen
	// has been updated.
	OnKeepAlive func(s *PeerSession)

	// OnClose fires exactly once when the session tears down.
	OnClose func(s *PeerSession)
}

type PeerSessionParams struct {
	ClientId string
	ApiKey   string
	Conn     Conn
	Meta     Metadata
	Hooks    Hooks

	PingInterval   time.Duration
	MaxMessageSize int
	Clock          clock.Clock
	Logger         *zap.Logger
}

// PeerSession is one live peer connection. Writes are serialized under a
// mutex so frames preserve send order; reads run on a single loop owned by
// Run.
type PeerSession struct {
	clientId string
	apiKey   string
	conn     Conn
	meta     Metadata
	hooks    Hooks

	pingInterval   time.Duration
	maxMessageSize int
	clk            clock.Clock
	log            *zap.Logger

	writeMut sync.Mutex

	mut      sync.RWMutex
	lastSeen time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPeerSession(params PeerSessionParams) *PeerSession {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	pingInterval := params.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	maxMessageSize := params.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = message.DefaultMaxMessageSize
	}

	meta := params.Meta
	if meta.ConnectedSince.IsZero() {
		meta.ConnectedSince = clk.Now()
	}

	return &PeerSession{
		clientId:       params.ClientId,
		apiKey:         params.ApiKey,
		conn:           params.Conn,
		meta:           meta,
		hooks:          params.Hooks,
		pingInterval:   pingInterval,
		maxMessageSize: maxMessageSize,
		clk:            clk,
		log: logger.With(
			zap.String("component", "PeerSession"),
			zap.String("clientId", params.ClientId),
		),
		lastSeen: clk.Now(),
		closed:   make(chan struct{}),
	}
}

func (s *PeerSession) ClientId() string { return s.clientId }
func (s *PeerSession) ApiKey() string   { return s.apiKey }
func (s *PeerSession) Meta() Metadata   { return s.meta }

func (s *PeerSession) LastSeen() time.Time {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.lastSeen
}

func (s *PeerSession) touch() {
	s.mut.Lock()
	s.lastSeen = s.clk.Now()
	s.mut.Unlock()
}

// Done is closed when the session has fully torn down.
func (s *PeerSession) Done() <-chan struct{} { return s.closed }

// Send serializes env and writes it as a single text frame. A write failure
// tears the session down and reports false; callers fail the originating
// request fast rather than queueing.
func (s *PeerSession) Send(env message.Envelope) bool {
	data, err := message.Serialize(env)
	if err != nil {
		s.log.Error("Failed to serialize outbound message", zap.Error(err))
		return false
	}

	s.writeMut.Lock()
	writeErr := s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMut.Unlock()

	if writeErr != nil {
		s.log.Warn("Write failed, closing session", zap.Error(writeErr))
		s.Close(CloseInternalError, "write failed")
		return false
	}
	return true
}

// Close sends a close frame with the given code and tears the session down.
// Safe to call from any goroutine, any number of times.
func (s *PeerSession) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		frame := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
			s.log.Debug("Failed to write close frame", zap.Error(err))
		}
		s.conn.Close()
		close(s.closed)

		s.log.Info("Session closed", zap.Int("code", code), zap.String("reason", reason))

		if s.hooks.OnClose != nil {
			s.hooks.OnClose(s)
		}
	})
}

// Run drains the socket until it closes. Inbound frames parse as JSON;
// keep-alive messages are answered in place and everything else goes to the
// response router. Malformed frames are logged and dropped without closing
// the session. No inbound frame for 3x the ping interval kills the socket;
// outbound traffic does not extend that deadline.
func (s *PeerSession) Run() {
	defer s.Close(CloseNormal, "")

	s.conn.SetReadLimit(int64(s.maxMessageSize))

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(3 * s.pingInterval)); err != nil {
			s.log.Debug("Failed to set read deadline", zap.Error(err))
			return
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Warn("Unexpected socket close", zap.Error(err))
			} else {
				s.log.Info("Socket closed", zap.Error(err))
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.log.Debug("Ignoring non-text frame", zap.Int("size", len(data)))
			continue
		}

		env, parseErr := message.Parse(data, s.maxMessageSize)
		if parseErr != nil {
			s.log.Warn("Dropping malformed message", zap.Error(parseErr))
			continue
		}

		switch env.Type() {
		case message.TypePing:
			s.touch()
			s.Send(message.Envelope{"type": message.TypePong})
			if s.hooks.OnKeepAlive != nil {
				s.hooks.OnKeepAlive(s)
			}
		case message.TypePong:
			s.touch()
		default:
			s.touch()
			if s.hooks.OnMessage != nil {
				s.hooks.OnMessage(s, env)
			}
		}
	}
}
