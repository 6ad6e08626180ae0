package transport

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/auth"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/relay"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/session"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/util"
)

type WsEndpointParams struct {
	Relay *relay.Relay
	Auth  auth.Authenticator

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxMessageSize int
	PingInterval   time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// WsEndpoint serves the /relay WebSocket endpoint peers connect to.
type WsEndpoint struct {
	upgrader *websocket.Upgrader
	params   WsEndpointParams

	log       *zap.Logger
	stringGen *util.RandomStringGenerator
}

func hostMatches(origin string, hosts []string) bool {
	for _, h := range hosts {
		if origin == h {
			return true
		}
	}
	return false
}

func checkOrigin(r *http.Request, params WsEndpointParams) bool {
	origin := r.Header.Get("Origin")
	if hostMatches(origin, params.DenylistedHosts) {
		return false
	}
	if params.AllowAllHosts {
		return true
	}
	return hostMatches(origin, params.AllowlistedHosts)
}

func NewWsEndpoint(params WsEndpointParams) *WsEndpoint {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &WsEndpoint{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:    params,
		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: util.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}
}

// ServeHTTP upgrades the request, runs the handshake, and then blocks on
// the session's read loop until the peer disconnects.
func (e *WsEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := e.log.With(zap.String("wsConnId", e.stringGen.GetRandomString(6)))

	log.Info("New WebSocket request")
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	hs := session.ParseHandshake(r.URL.Query(), r.Header.Get("Origin"))
	if hs.ClientId == "" {
		log.Warn("Handshake rejected: no client ID")
		closeAndDiscard(conn, session.CloseNoClientId, "id query parameter is required")
		return
	}

	log = log.With(zap.String("clientId", hs.ClientId))

	apiKey, authErr := e.params.Auth.ValidateToken(r.Context(), hs.Token)
	if authErr != nil {
		log.Warn("Handshake rejected: auth failed", zap.Error(authErr))
		closeAndDiscard(conn, session.CloseNoAuth, "invalid token")
		return
	}

	s := session.NewPeerSession(session.PeerSessionParams{
		ClientId:       hs.ClientId,
		ApiKey:         apiKey,
		Conn:           conn,
		Meta:           hs.Metadata,
		Hooks:          e.params.Relay.SessionHooks(),
		PingInterval:   e.params.PingInterval,
		MaxMessageSize: e.params.MaxMessageSize,
		Clock:          e.params.Clock,
		Logger:         log,
	})

	e.params.Relay.Attach(r.Context(), s)
	s.Run()
}

// closeAndDiscard rejects a socket that never became a session: write the
// close frame, drain the peer's close response, drop the connection.
func closeAndDiscard(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.SetReadDeadline(deadline)
	conn.ReadMessage()
	conn.Close()
}
