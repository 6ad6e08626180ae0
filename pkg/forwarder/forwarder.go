// Package forwarder ships requests and their results between gateway
// replicas over per-replica pub/sub channels, so a request arriving at one
// replica can be answered by a peer connected to another.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
)

// RequestEnvelope is a request forwarded from the origin replica to the
// replica that owns the target peer. RequestId is the origin's correlation
// ID; the target replica remaps it locally and only echoes it back on the
// result channel.
type RequestEnvelope struct {
	RequestId      string                 `json:"requestId"`
	OriginReplica  string                 `json:"originReplica"`
	TargetClientId string                 `json:"targetClientId"`
	Type           string                 `json:"type"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	TimeoutMs      int64                  `json:"timeoutMs,omitempty"`
}

// ResultEnvelope carries a forwarded request's outcome back to its origin.
// Exactly one of Body or ErrorKind is meaningful.
type ResultEnvelope struct {
	RequestId    string                 `json:"requestId"`
	ClientId     string                 `json:"clientId"`
	Body         map[string]interface{} `json:"body,omitempty"`
	ErrorKind    string                 `json:"errorKind,omitempty"`
	ErrorMessage string                 `json:"error,omitempty"`
}

// Handlers receive forwarded traffic addressed to this replica. Both run on
// the subscriber goroutine; they must hand off anything slow.
type Handlers struct {
	OnRequest func(RequestEnvelope)
	OnResult  func(ResultEnvelope)
}

// Forwarder is the inter-replica side channel.
type Forwarder interface {
	// PublishRequest ships a forwarded request to targetReplica.
	PublishRequest(ctx context.Context, targetReplica string, req RequestEnvelope) error

	// PublishResult ships a result back to the replica that originated
	// the request.
	PublishResult(ctx context.Context, originReplica string, res ResultEnvelope) error

	// Subscribe starts consuming this replica's channels until ctx is
	// cancelled.
	Subscribe(ctx context.Context, handlers Handlers) error

	Close() error
}

func RequestChannel(replicaId string) string {
	return fmt.Sprintf("relay/replica/%s/requests", replicaId)
}

func ResultChannel(replicaId string) string {
	return fmt.Sprintf("relay/replica/%s/results", replicaId)
}

func encodeRequest(req RequestEnvelope) ([]byte, error) {
	return json.Marshal(req)
}

func encodeResult(res ResultEnvelope) ([]byte, error) {
	return json.Marshal(res)
}

type ForwardingDisabledError struct{}

func (e *ForwardingDisabledError) Error() string {
	return "Cross-replica forwarding is not configured"
}

// Disabled is the forwarder used when no broker is configured: publishes
// fail and there is nothing to subscribe to.
type Disabled struct{}

func (Disabled) PublishRequest(context.Context, string, RequestEnvelope) error {
	return &ForwardingDisabledError{}
}

func (Disabled) PublishResult(context.Context, string, ResultEnvelope) error {
	return &ForwardingDisabledError{}
}

func (Disabled) Subscribe(ctx context.Context, _ Handlers) error {
	<-ctx.Done()
	return nil
}

func (Disabled) Close() error { return nil }
