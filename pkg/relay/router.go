package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/internal"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/forwarder"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/session"
)

// RouteResponse ingests one inbound peer message and completes the matching
// waiter. Locally issued requests resolve in place; forwarded ones go back
// over the result channel to the replica that originated them. Unmatched or
// duplicate responses are dropped by the pending store's atomic take.
func (r *Relay) RouteResponse(s *session.PeerSession, env message.Envelope) {
	requestId := env.RequestId()
	if requestId == "" {
		// Unsolicited event traffic; nothing is waiting on it.
		r.log.Debug("Dropping message without requestId",
			zap.String("clientId", s.ClientId()),
			zap.String("type", env.Type()))
		return
	}

	waiter, has := r.pending.Take(requestId)
	if !has {
		r.log.Debug("Dropping response with no pending waiter",
			zap.String("clientId", s.ClientId()),
			zap.String("requestId", requestId))
		return
	}
	metricResponsesRouted.Inc()

	if waiter.OriginReplica == r.cfg.ReplicaId {
		waiter.Resolve(internal.Result{Body: env})
		return
	}

	// The request came in over the forwarder; ship the result home under
	// the origin's correlation ID.
	res := forwarder.ResultEnvelope{
		RequestId: waiter.OriginId,
		ClientId:  waiter.TargetClientId,
		Body:      env,
	}
	ctx, release := context.WithTimeout(context.Background(), time.Second)
	defer release()
	if err := r.fwd.PublishResult(ctx, waiter.OriginReplica, res); err != nil {
		r.log.Warn("Result publish failed; origin will time out",
			zap.String("originReplica", waiter.OriginReplica),
			zap.String("requestId", waiter.OriginId),
			zap.Error(err))
	}
}

// handleForwardedRequest serves a request another replica forwarded here:
// it registers a remapped local waiter whose resolution publishes the
// result back to the origin.
func (r *Relay) handleForwardedRequest(req forwarder.RequestEnvelope) {
	log := r.log.With(
		zap.String("originReplica", req.OriginReplica),
		zap.String("originRequestId", req.RequestId),
		zap.String("clientId", req.TargetClientId))

	peer, local := r.clients.Get(req.TargetClientId)
	if !local {
		// The session vanished between the origin's lookup and now.
		r.publishErrorResult(req, errors.KindNotFound, "Invalid client ID")
		return
	}

	timeout := r.cfg.TimeoutFor(req.Type)
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	now := r.clk.Now()
	waiter := internal.NewWaiter(func(res internal.Result) {
		r.publishResult(req, res)
	})
	waiter.RequestId = r.pending.NextRequestId(req.Type)
	waiter.OriginId = req.RequestId
	waiter.Type = req.Type
	waiter.OriginReplica = req.OriginReplica
	waiter.TargetClientId = req.TargetClientId
	waiter.CreatedAt = now
	waiter.Deadline = now.Add(timeout)

	if err := r.pending.Register(waiter); err != nil {
		log.Error("Failed to register forwarded waiter", zap.Error(err))
		r.publishErrorResult(req, errors.KindInternal, "internal relay error")
		return
	}
	metricForwardedServed.Inc()

	if !peer.Send(message.Compose(req.Type, waiter.RequestId, req.Payload)) {
		if _, took := r.pending.Take(waiter.RequestId); took {
			r.publishErrorResult(req, errors.KindUpstreamUnavailable, "upstream_unavailable")
		}
	}
}

func (r *Relay) publishResult(req forwarder.RequestEnvelope, res internal.Result) {
	if res.Err != nil {
		r.publishErrorResult(req, errors.KindOf(res.Err), res.Err.Error())
		return
	}
	out := forwarder.ResultEnvelope{
		RequestId: req.RequestId,
		ClientId:  req.TargetClientId,
		Body:      res.Body,
	}
	ctx, release := context.WithTimeout(context.Background(), time.Second)
	defer release()
	if err := r.fwd.PublishResult(ctx, req.OriginReplica, out); err != nil {
		r.log.Warn("Result publish failed; origin will time out",
			zap.String("originReplica", req.OriginReplica), zap.Error(err))
	}
}

func (r *Relay) publishErrorResult(req forwarder.RequestEnvelope, kind errors.Kind, msg string) {
	out := forwarder.ResultEnvelope{
		RequestId:    req.RequestId,
		ClientId:     req.TargetClientId,
		ErrorKind:    string(kind),
		ErrorMessage: msg,
	}
	ctx, release := context.WithTimeout(context.Background(), time.Second)
	defer release()
	if err := r.fwd.PublishResult(ctx, req.OriginReplica, out); err != nil {
		r.log.Warn("Error-result publish failed; origin will time out",
			zap.String("originReplica", req.OriginReplica), zap.Error(err))
	}
}

// handleForwardedResult completes a waiter for a request this replica
// forwarded out. Late results lose the take race and are dropped.
func (r *Relay) handleForwardedResult(res forwarder.ResultEnvelope) {
	waiter, has := r.pending.Take(res.RequestId)
	if !has {
		r.log.Debug("Dropping forwarded result with no pending waiter",
			zap.String("requestId", res.RequestId))
		return
	}

	if res.ErrorKind != "" {
		waiter.Resolve(internal.Result{Err: errors.New(errors.KindFromString(res.ErrorKind), res.ErrorMessage)})
		return
	}

	// The body still carries the remote replica's remapped correlation ID;
	// restamp it with the one this replica's caller knows.
	body := make(message.Envelope, len(res.Body))
	for k, v := range res.Body {
		body[k] = v
	}
	body["requestId"] = res.RequestId
	waiter.Resolve(internal.Result{Body: body})
}
