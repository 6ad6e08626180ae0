package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/internal"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/session"
)

// runReaper drives the three periodic sweeps: expired waiters, idle
// sessions, and directory lease renewal.
func (r *Relay) runReaper(ctx context.Context) {
	pendingSweep := r.clk.Ticker(r.cfg.SweepInterval)
	defer pendingSweep.Stop()

	idleSweep := r.clk.Ticker(r.cfg.IdleSweepInterval)
	defer idleSweep.Stop()

	leaseRenewal := r.clk.Ticker(r.cfg.DirectoryTTL / 2)
	defer leaseRenewal.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pendingSweep.C:
			r.sweepExpiredWaiters()
		case <-idleSweep.C:
			r.sweepIdleSessions()
		case <-leaseRenewal.C:
			r.renewDirectoryLeases(ctx)
		}
	}
}

func (r *Relay) sweepExpiredWaiters() {
	expired := r.pending.TakeExpired(r.clk.Now())
	for _, waiter := range expired {
		metricRequestTimeouts.Inc()
		waiter.Resolve(internal.Result{Err: &errors.RequestTimeout{RequestId: waiter.RequestId}})
	}
	if len(expired) > 0 {
		r.log.Info("Reaped expired waiters", zap.Int("count", len(expired)))
	}
}

func (r *Relay) sweepIdleSessions() {
	cutoff := r.clk.Now().Add(-r.cfg.IdleSessionLimit)
	for _, peer := range r.clients.All() {
		if peer.LastSeen().Before(cutoff) {
			r.log.Info("Closing idle session", zap.String("clientId", peer.ClientId()))
			peer.Close(session.CloseNormal, "idle timeout")
		}
	}
}

func (r *Relay) renewDirectoryLeases(ctx context.Context) {
	for _, peer := range r.clients.All() {
		opCtx, release := context.WithTimeout(ctx, time.Second)
		err := r.dir.Refresh(opCtx, peer.ClientId(), r.cfg.DirectoryTTL)
		release()
		if err != nil {
			r.log.Debug("Lease renewal failed", zap.String("clientId", peer.ClientId()), zap.Error(err))
		}
	}
}
