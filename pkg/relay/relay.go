// Package relay is the gateway core: the dispatcher that routes requests to
// local or remote peers, the response router that completes pending
// waiters, and the reaper that sweeps expired state.
package relay

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/internal"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/auth"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/directory"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/forwarder"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/session"
)

type Config struct {
	ReplicaId string

	// DefaultTimeout bounds a request with no per-type override.
	DefaultTimeout time.Duration
	TypeTimeouts   map[string]time.Duration

	// DirectoryTTL is the lease on directory records; entries are renewed
	// at half this interval.
	DirectoryTTL time.Duration

	PingInterval     time.Duration
	IdleSessionLimit time.Duration

	SweepInterval     time.Duration
	IdleSweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.DirectoryTTL <= 0 {
		c.DirectoryTTL = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = session.DefaultPingInterval
	}
	if c.IdleSessionLimit <= 0 {
		c.IdleSessionLimit = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = 60 * time.Second
	}
}

// TimeoutFor resolves the deadline for one request type.
func (c *Config) TimeoutFor(reqType string) time.Duration {
	if t, has := c.TypeTimeouts[reqType]; has && t > 0 {
		return t
	}
	return c.DefaultTimeout
}

type RelayParams struct {
	Config    Config
	Auth      auth.Authenticator
	Directory directory.Directory
	Forwarder forwarder.Forwarder

	Clock  clock.Clock
	Logger *zap.Logger
}

// Relay owns the local client table and pending-request table and wires
// the directory, forwarder, and auth collaborators together.
type Relay struct {
	cfg Config

	clients *internal.ClientTable
	pending *internal.PendingStore

	auth auth.Authenticator
	dir  directory.Directory
	fwd  forwarder.Forwarder

	clk clock.Clock
	log *zap.Logger
}

func NewRelay(params RelayParams) *Relay {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}

	cfg := params.Config
	cfg.applyDefaults()

	dir := params.Directory
	if dir == nil {
		dir = directory.Disabled{}
	}
	fwd := params.Forwarder
	if fwd == nil {
		fwd = forwarder.Disabled{}
	}

	return &Relay{
		cfg:     cfg,
		clients: internal.NewClientTable(),
		pending: internal.NewPendingStore(clk),
		auth:    params.Auth,
		dir:     dir,
		fwd:     fwd,
		clk:     clk,
		log:     logger.With(zap.String("component", "Relay"), zap.String("replicaId", cfg.ReplicaId)),
	}
}

func (r *Relay) Config() Config { return r.cfg }

// ConnectionCount reports the number of locally connected peers.
func (r *Relay) ConnectionCount() int { return r.clients.Count() }

// PendingCount reports the number of in-flight waiters.
func (r *Relay) PendingCount() int { return r.pending.Len() }

// SessionHooks builds the hook set the transport installs on every new
// peer session.
func (r *Relay) SessionHooks() session.Hooks {
	return session.Hooks{
		OnMessage:   r.RouteResponse,
		OnKeepAlive: r.refreshLease,
		OnClose:     r.Detach,
	}
}

// Attach registers a freshly handshaken session: any older session with the
// same client ID is evicted with 4004 before the new one becomes visible,
// then the directory record is claimed for this replica.
func (r *Relay) Attach(ctx context.Context, s *session.PeerSession) {
	if prev, had := r.clients.Take(s.ClientId()); had {
		r.log.Info("Evicting duplicate session", zap.String("clientId", s.ClientId()))
		prev.Close(session.CloseDuplicateConnection, "duplicate connection")
	}
	r.clients.Put(s)
	metricConnectedPeers.Set(float64(r.clients.Count()))

	meta := s.Meta()
	rec := directory.ClientRecord{
		ClientId:       s.ClientId(),
		ApiKey:         s.ApiKey(),
		ReplicaId:      r.cfg.ReplicaId,
		WorldId:        meta.WorldId,
		WorldTitle:     meta.WorldTitle,
		FoundryVersion: meta.FoundryVersion,
		SystemId:       meta.SystemId,
		SystemTitle:    meta.SystemTitle,
		SystemVersion:  meta.SystemVersion,
		CustomName:     meta.CustomName,
		ConnectedSince: meta.ConnectedSince,
		LastSeen:       s.LastSeen(),
	}
	if err := r.dir.Register(ctx, rec, r.cfg.DirectoryTTL); err != nil {
		r.log.Warn("Directory register failed", zap.String("clientId", s.ClientId()), zap.Error(err))
	}

	r.log.Info("Peer attached",
		zap.String("clientId", s.ClientId()),
		zap.String("worldTitle", meta.WorldTitle),
		zap.String("systemId", meta.SystemId))
}

// Detach removes a closed session from the client table and releases its
// directory record, but only while it is still the registered session for
// its client ID. Pending waiters are left to their deadlines: the peer may
// reconnect on another replica within the directory TTL.
func (r *Relay) Detach(s *session.PeerSession) {
	if !r.clients.Remove(s) {
		return
	}
	metricConnectedPeers.Set(float64(r.clients.Count()))

	ctx, release := context.WithTimeout(context.Background(), time.Second)
	defer release()
	if err := r.dir.Remove(ctx, s.ClientId(), r.cfg.ReplicaId, s.ApiKey()); err != nil {
		r.log.Warn("Directory remove failed", zap.String("clientId", s.ClientId()), zap.Error(err))
	}

	r.log.Info("Peer detached", zap.String("clientId", s.ClientId()))
}

func (r *Relay) refreshLease(s *session.PeerSession) {
	ctx, release := context.WithTimeout(context.Background(), time.Second)
	defer release()
	if err := r.dir.Refresh(ctx, s.ClientId(), r.cfg.DirectoryTTL); err != nil {
		r.log.Debug("Directory refresh failed", zap.String("clientId", s.ClientId()), zap.Error(err))
	}
}

// VisibleClients merges the locally connected peers with the directory's
// view of the API key, local sessions winning on conflict.
func (r *Relay) VisibleClients(ctx context.Context, apiKey string) []directory.ClientRecord {
	seen := make(map[string]struct{})
	var out []directory.ClientRecord

	for _, p := range r.clients.ByApiKey(apiKey) {
		s, ok := p.(*session.PeerSession)
		if !ok {
			continue
		}
		meta := s.Meta()
		out = append(out, directory.ClientRecord{
			ClientId:       s.ClientId(),
			ApiKey:         apiKey,
			ReplicaId:      r.cfg.ReplicaId,
			WorldId:        meta.WorldId,
			WorldTitle:     meta.WorldTitle,
			FoundryVersion: meta.FoundryVersion,
			SystemId:       meta.SystemId,
			SystemTitle:    meta.SystemTitle,
			SystemVersion:  meta.SystemVersion,
			CustomName:     meta.CustomName,
			ConnectedSince: meta.ConnectedSince,
			LastSeen:       s.LastSeen(),
		})
		seen[s.ClientId()] = struct{}{}
	}

	records, err := r.dir.ClientsForKey(ctx, apiKey)
	if err != nil {
		r.log.Warn("Directory list failed", zap.Error(err))
		return out
	}
	for _, rec := range records {
		if _, dup := seen[rec.ClientId]; dup {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Run drives the forwarder subscription and the reaper until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return r.fwd.Subscribe(groupCtx, forwarder.Handlers{
			OnRequest: r.handleForwardedRequest,
			OnResult:  r.handleForwardedResult,
		})
	})
	group.Go(func() error {
		r.runReaper(groupCtx)
		return nil
	})

	return group.Wait()
}

// Shutdown closes every local session with 4005 and releases their
// directory records.
func (r *Relay) Shutdown() {
	for _, p := range r.clients.All() {
		p.Close(session.CloseServerShutdown, "server shutting down")
	}
}
