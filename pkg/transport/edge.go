package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/internal"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/relay"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/sheet"
)

// Request timeouts the edge accepts from callers, in milliseconds.
const (
	minCallerTimeout = 100 * time.Millisecond
	maxCallerTimeout = 5 * time.Minute
)

type EdgeParams struct {
	Relay   *relay.Relay
	Ws      *WsEndpoint
	Sheet   sheet.Renderer
	Version string

	Logger *zap.Logger
}

// Edge is the HTTP REST surface: one route per request type, the client
// listing, status, metrics, and the /relay WebSocket endpoint.
type Edge struct {
	relay    *relay.Relay
	ws       *WsEndpoint
	renderer sheet.Renderer
	version  string
	log      *zap.Logger
}

func NewEdge(params EdgeParams) *Edge {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	renderer := params.Sheet
	if renderer == nil {
		renderer = sheet.TemplateRenderer{}
	}

	return &Edge{
		relay:    params.Relay,
		ws:       params.Ws,
		renderer: renderer,
		version:  params.Version,
		log:      logger.With(zap.String("handler", "Edge")),
	}
}

func (e *Edge) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/relay", e.ws)
	r.HandleFunc("/clients", e.handleClients).Methods(http.MethodGet)
	r.HandleFunc("/api/status", e.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	for _, reqType := range message.RequestTypes {
		r.HandleFunc("/"+reqType, e.relayHandler(reqType)).
			Methods(http.MethodGet, http.MethodPost)
	}

	return r
}

// relayHandler builds the handler for one request type: collect the
// payload from body and query, dispatch, shape the response.
func (e *Edge) relayHandler(reqType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("x-api-key")
		if apiKey == "" {
			writeErrorBody(w, "", "", errors.New(errors.KindAuthDenied, "x-api-key header is required"))
			return
		}

		payload, clientId, opts, err := parseRelayInput(r)
		if err != nil {
			writeErrorBody(w, "", clientId, err)
			return
		}

		res := e.relay.Dispatch(r.Context(), relay.Request{
			Type:     reqType,
			ApiKey:   apiKey,
			ClientId: clientId,
			Payload:  payload,
			Hints:    opts.hints,
			Timeout:  opts.timeout,
		})

		e.writeResult(w, clientId, res, opts.hints)
	}
}

type relayInputOpts struct {
	hints   internal.ShapeHints
	timeout time.Duration
}

// parseRelayInput merges the JSON body (POST) and query parameters into the
// request payload. clientId, timeout, format, and activeTab are edge
// controls and are not forwarded to the peer.
func parseRelayInput(r *http.Request) (map[string]interface{}, string, relayInputOpts, error) {
	payload := make(map[string]interface{})

	if r.Method == http.MethodPost && r.Body != nil {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			return nil, "", relayInputOpts{}, &errors.BadRequest{Reason: "request body is not a JSON object"}
		}
		for k, v := range body {
			payload[k] = v
		}
	}
	for k, values := range r.URL.Query() {
		if len(values) == 1 {
			payload[k] = values[0]
		} else {
			payload[k] = values
		}
	}

	var opts relayInputOpts

	clientId, _ := payload["clientId"].(string)
	delete(payload, "clientId")

	opts.hints.Format, _ = payload["format"].(string)
	opts.hints.ActiveTab, _ = payload["activeTab"].(string)
	delete(payload, "format")
	delete(payload, "activeTab")

	if raw, has := payload["timeout"]; has {
		delete(payload, "timeout")
		opts.timeout = parseCallerTimeout(raw)
	}

	return payload, clientId, opts, nil
}

func parseCallerTimeout(raw interface{}) time.Duration {
	var ms int64
	switch v := raw.(type) {
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		ms = parsed
	case float64:
		ms = int64(v)
	default:
		return 0
	}

	timeout := time.Duration(ms) * time.Millisecond
	if timeout < minCallerTimeout {
		return minCallerTimeout
	}
	if timeout > maxCallerTimeout {
		return maxCallerTimeout
	}
	return timeout
}

func (e *Edge) handleClients(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" {
		writeErrorBody(w, "", "", errors.New(errors.KindAuthDenied, "x-api-key header is required"))
		return
	}

	records := e.relay.VisibleClients(r.Context(), apiKey)
	clients := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		clients = append(clients, map[string]interface{}{
			"id":             rec.ClientId,
			"instance":       rec.ReplicaId,
			"worldId":        rec.WorldId,
			"worldTitle":     rec.WorldTitle,
			"foundryVersion": rec.FoundryVersion,
			"systemId":       rec.SystemId,
			"systemTitle":    rec.SystemTitle,
			"systemVersion":  rec.SystemVersion,
			"customName":     rec.CustomName,
			"connectedSince": rec.ConnectedSince,
			"lastSeen":       rec.LastSeen,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": clients})
}

func (e *Edge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": e.version,
		"websocket": map[string]interface{}{
			"connections": e.relay.ConnectionCount(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
