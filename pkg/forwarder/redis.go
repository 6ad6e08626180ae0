package forwarder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 250 * time.Millisecond

type RedisForwarderParams struct {
	Client    *redis.Client
	ReplicaId string

	Logger *zap.Logger
}

// RedisForwarder carries forwarded traffic over two pub/sub channels per
// replica. Duplicate deliveries are harmless: the pending store's atomic
// take drops whichever copy loses the race.
type RedisForwarder struct {
	rdb       *redis.Client
	replicaId string
	log       *zap.Logger
}

func NewRedisForwarder(params RedisForwarderParams) *RedisForwarder {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &RedisForwarder{
		rdb:       params.Client,
		replicaId: params.ReplicaId,
		log:       logger.With(zap.String("component", "RedisForwarder"), zap.String("replicaId", params.ReplicaId)),
	}
}

func (f *RedisForwarder) PublishRequest(ctx context.Context, targetReplica string, req RequestEnvelope) error {
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}

	ctx, release := context.WithTimeout(ctx, publishTimeout)
	defer release()
	return f.rdb.Publish(ctx, RequestChannel(targetReplica), payload).Err()
}

func (f *RedisForwarder) PublishResult(ctx context.Context, originReplica string, res ResultEnvelope) error {
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}

	ctx, release := context.WithTimeout(ctx, publishTimeout)
	defer release()
	return f.rdb.Publish(ctx, ResultChannel(originReplica), payload).Err()
}

func (f *RedisForwarder) Subscribe(ctx context.Context, handlers Handlers) error {
	requestChannel := RequestChannel(f.replicaId)
	resultChannel := ResultChannel(f.replicaId)

	sub := f.rdb.Subscribe(ctx, requestChannel, resultChannel)
	defer sub.Close()

	f.log.Info("Subscribed to forwarder channels",
		zap.String("requests", requestChannel),
		zap.String("results", resultChannel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			switch msg.Channel {
			case requestChannel:
				var req RequestEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					f.log.Warn("Dropping malformed forwarded request", zap.Error(err))
					continue
				}
				if handlers.OnRequest != nil {
					handlers.OnRequest(req)
				}
			case resultChannel:
				var res ResultEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
					f.log.Warn("Dropping malformed forwarded result", zap.Error(err))
					continue
				}
				if handlers.OnResult != nil {
					handlers.OnResult(res)
				}
			}
		}
	}
}

func (f *RedisForwarder) Close() error {
	return f.rdb.Close()
}
