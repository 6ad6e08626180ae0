package relay

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/internal"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/directory"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/forwarder"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
)

// Request is one relay request as the edge hands it to the dispatcher.
type Request struct {
	Type     string
	ApiKey   string
	ClientId string
	Payload  map[string]interface{}
	Hints    internal.ShapeHints

	// Timeout overrides the per-type deadline when positive.
	Timeout time.Duration
}

// Dispatch routes a request to the peer owning req.ClientId — directly when
// it is connected here, through the forwarder when another replica owns it
// — and blocks until the response arrives, the deadline fires, or ctx is
// cancelled. The returned Result carries exactly one of Body or Err.
func (r *Relay) Dispatch(ctx context.Context, req Request) internal.Result {
	if !message.IsRequestType(req.Type) {
		return internal.Result{Err: &errors.UnknownRequestType{Type: req.Type}}
	}
	if req.ClientId == "" {
		return internal.Result{Err: &errors.BadRequest{Reason: "clientId is required"}}
	}
	if err := r.auth.Authorize(ctx, req.ApiKey, req.ClientId); err != nil {
		return internal.Result{Err: &errors.AuthDenied{ClientId: req.ClientId}}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.TimeoutFor(req.Type)
	}

	done := make(chan internal.Result, 1)
	now := r.clk.Now()
	waiter := internal.NewWaiter(func(res internal.Result) { done <- res })
	waiter.Type = req.Type
	waiter.OriginReplica = r.cfg.ReplicaId
	waiter.TargetClientId = req.ClientId
	waiter.Hints = req.Hints
	waiter.CreatedAt = now
	waiter.Deadline = now.Add(timeout)

	if peer, local := r.clients.Get(req.ClientId); local {
		waiter.RequestId = r.pending.NextRequestId(req.Type)
		waiter.OriginId = waiter.RequestId
		if err := r.pending.Register(waiter); err != nil {
			return internal.Result{Err: err}
		}
		metricRequestsDispatched.Inc()

		if !peer.Send(message.Compose(req.Type, waiter.RequestId, req.Payload)) {
			if _, took := r.pending.Take(waiter.RequestId); took {
				return internal.Result{Err: &errors.UpstreamUnavailable{ClientId: req.ClientId, Cause: "send failed"}}
			}
		}
		return r.await(ctx, waiter, done, timeout)
	}

	// Local miss: resolve the owner through the directory.
	owner, err := r.dir.Lookup(ctx, req.ClientId)
	if err != nil {
		var notFound *directory.NotFoundError
		if !stderrors.As(err, &notFound) {
			// Directory outage degrades to not-found; local peers keep working.
			r.log.Warn("Directory lookup failed", zap.String("clientId", req.ClientId), zap.Error(err))
		}
		return internal.Result{Err: &errors.ClientNotFound{ClientId: req.ClientId}}
	}
	if owner == r.cfg.ReplicaId {
		// Stale record claiming this replica; the session is gone.
		return internal.Result{Err: &errors.ClientNotFound{ClientId: req.ClientId}}
	}

	waiter.RequestId = r.pending.NextRequestId(req.Type)
	waiter.OriginId = waiter.RequestId
	if err := r.pending.Register(waiter); err != nil {
		return internal.Result{Err: err}
	}
	metricRequestsForwarded.Inc()

	envelope := forwarder.RequestEnvelope{
		RequestId:      waiter.RequestId,
		OriginReplica:  r.cfg.ReplicaId,
		TargetClientId: req.ClientId,
		Type:           req.Type,
		Payload:        req.Payload,
		TimeoutMs:      timeout.Milliseconds(),
	}
	if err := r.fwd.PublishRequest(ctx, owner, envelope); err != nil {
		r.log.Warn("Forward publish failed", zap.String("targetReplica", owner), zap.Error(err))
		if _, took := r.pending.Take(waiter.RequestId); took {
			return internal.Result{Err: &errors.UpstreamUnavailable{ClientId: req.ClientId, Cause: "forward publish failed"}}
		}
	}
	return r.await(ctx, waiter, done, timeout)
}

// await blocks on the waiter's resolution. On deadline or caller
// cancellation, the waiter is taken out of the pending table first; losing
// that race means a resolution is already in flight, so it is consumed
// instead.
func (r *Relay) await(ctx context.Context, waiter *internal.Waiter, done <-chan internal.Result, timeout time.Duration) internal.Result {
	timer := r.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		if _, took := r.pending.Take(waiter.RequestId); took {
			metricRequestTimeouts.Inc()
			return internal.Result{Err: &errors.RequestTimeout{RequestId: waiter.RequestId}}
		}
		return <-done
	case <-ctx.Done():
		if _, took := r.pending.Take(waiter.RequestId); took {
			return internal.Result{Err: errors.New(errors.KindInternal, "request cancelled")}
		}
		return <-done
	}
}
