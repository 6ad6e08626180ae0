package directory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultOpTimeout = 250 * time.Millisecond

// metadataSuffixes lists the key suffixes of the per-client metadata fields,
// shared by the refresh, remove and list paths.
var metadataSuffixes = []string{
	"worldId", "worldTitle", "foundryVersion",
	"systemId", "systemTitle", "systemVersion", "customName",
}

type RedisDirectoryParams struct {
	Client    *redis.Client
	OpTimeout time.Duration

	Logger *zap.Logger
}

// RedisDirectory stores directory records as string keys with TTL leases,
// one key per metadata field, plus a set per API key.
type RedisDirectory struct {
	rdb       *redis.Client
	opTimeout time.Duration
	log       *zap.Logger
}

func NewRedisDirectory(params RedisDirectoryParams) *RedisDirectory {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	opTimeout := params.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	return &RedisDirectory{
		rdb:       params.Client,
		opTimeout: opTimeout,
		log:       logger.With(zap.String("component", "RedisDirectory")),
	}
}

func clientKey(clientId, suffix string) string {
	return fmt.Sprintf("client:%s:%s", clientId, suffix)
}

func apiKeyClientsKey(apiKey string) string {
	return fmt.Sprintf("apikey:%s:clients", apiKey)
}

func (d *RedisDirectory) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opTimeout)
}

func (d *RedisDirectory) Register(ctx context.Context, rec ClientRecord, ttl time.Duration) error {
	ctx, release := d.opCtx(ctx)
	defer release()

	values := map[string]string{
		clientKey(rec.ClientId, "instance"):       rec.ReplicaId,
		clientKey(rec.ClientId, "apiKey"):         rec.ApiKey,
		clientKey(rec.ClientId, "lastSeen"):       strconv.FormatInt(rec.LastSeen.UnixMilli(), 10),
		clientKey(rec.ClientId, "connectedSince"): strconv.FormatInt(rec.ConnectedSince.UnixMilli(), 10),
		clientKey(rec.ClientId, "worldId"):        rec.WorldId,
		clientKey(rec.ClientId, "worldTitle"):     rec.WorldTitle,
		clientKey(rec.ClientId, "foundryVersion"): rec.FoundryVersion,
		clientKey(rec.ClientId, "systemId"):       rec.SystemId,
		clientKey(rec.ClientId, "systemTitle"):    rec.SystemTitle,
		clientKey(rec.ClientId, "systemVersion"):  rec.SystemVersion,
		clientKey(rec.ClientId, "customName"):     rec.CustomName,
	}

	pipe := d.rdb.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	pipe.SAdd(ctx, apiKeyClientsKey(rec.ApiKey), rec.ClientId)
	pipe.Expire(ctx, apiKeyClientsKey(rec.ApiKey), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (d *RedisDirectory) Lookup(ctx context.Context, clientId string) (string, error) {
	ctx, release := d.opCtx(ctx)
	defer release()

	replicaId, err := d.rdb.Get(ctx, clientKey(clientId, "instance")).Result()
	if err == redis.Nil {
		return "", &NotFoundError{ClientId: clientId}
	}
	if err != nil {
		return "", err
	}
	return replicaId, nil
}

func (d *RedisDirectory) Refresh(ctx context.Context, clientId string, ttl time.Duration) error {
	ctx, release := d.opCtx(ctx)
	defer release()

	apiKey, err := d.rdb.Get(ctx, clientKey(clientId, "apiKey")).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := d.rdb.Pipeline()
	pipe.Set(ctx, clientKey(clientId, "lastSeen"), strconv.FormatInt(time.Now().UnixMilli(), 10), ttl)
	for _, suffix := range append([]string{"instance", "apiKey", "connectedSince"}, metadataSuffixes...) {
		pipe.Expire(ctx, clientKey(clientId, suffix), ttl)
	}
	if apiKey != "" {
		pipe.Expire(ctx, apiKeyClientsKey(apiKey), ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// removeScript deletes a client's directory keys only while the caller is
// still the registered owner, so a replica cannot clobber a record a newer
// session on another replica has claimed.
var removeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
for i = 2, #KEYS do
  redis.call("DEL", KEYS[i])
end
return 1
`)

func (d *RedisDirectory) Remove(ctx context.Context, clientId string, replicaId string, apiKey string) error {
	ctx, release := d.opCtx(ctx)
	defer release()

	// KEYS[1] is the ownership guard; KEYS[2..] is the deletion list, which
	// includes the instance key again.
	keys := []string{clientKey(clientId, "instance")}
	for _, suffix := range append([]string{"instance", "apiKey", "lastSeen", "connectedSince"}, metadataSuffixes...) {
		keys = append(keys, clientKey(clientId, suffix))
	}

	removed, err := removeScript.Run(ctx, d.rdb, keys, replicaId).Int()
	if err != nil {
		return err
	}
	if removed == 1 && apiKey != "" {
		return d.rdb.SRem(ctx, apiKeyClientsKey(apiKey), clientId).Err()
	}
	return nil
}

func (d *RedisDirectory) ClientsForKey(ctx context.Context, apiKey string) ([]ClientRecord, error) {
	ctx, release := d.opCtx(ctx)
	defer release()

	ids, err := d.rdb.SMembers(ctx, apiKeyClientsKey(apiKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	records := make([]ClientRecord, 0, len(ids))
	for _, id := range ids {
		rec, recErr := d.loadRecord(ctx, id, apiKey)
		if recErr != nil {
			// Expired between SMEMBERS and the metadata reads; skip it.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (d *RedisDirectory) loadRecord(ctx context.Context, clientId string, apiKey string) (ClientRecord, error) {
	suffixes := append([]string{"instance", "lastSeen", "connectedSince"}, metadataSuffixes...)
	keys := make([]string, len(suffixes))
	for i, suffix := range suffixes {
		keys[i] = clientKey(clientId, suffix)
	}

	values, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return ClientRecord{}, err
	}

	get := func(i int) string {
		if i >= len(values) || values[i] == nil {
			return ""
		}
		s, _ := values[i].(string)
		return s
	}

	if get(0) == "" {
		return ClientRecord{}, &NotFoundError{ClientId: clientId}
	}

	return ClientRecord{
		ClientId:       clientId,
		ApiKey:         apiKey,
		ReplicaId:      get(0),
		LastSeen:       millisToTime(get(1)),
		ConnectedSince: millisToTime(get(2)),
		WorldId:        get(3),
		WorldTitle:     get(4),
		FoundryVersion: get(5),
		SystemId:       get(6),
		SystemTitle:    get(7),
		SystemVersion:  get(8),
		CustomName:     get(9),
	}, nil
}

func millisToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (d *RedisDirectory) Close() error {
	return d.rdb.Close()
}
