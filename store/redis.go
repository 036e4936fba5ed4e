package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordScript atomically seeds the aggregate, tries to place the visitor
// marker with SET NX PX and, if the marker was placed, increments the count
// and adds the visitor to the unique set. No other client can interleave
// between the marker check and the increment.
//
// KEYS: aggregate hash, visitor set, visitor marker, project index
// ARGV: base, marker ttl in ms, identity hash, project
// Returns [count, unique, isNew].
var recordScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'count', ARGV[1])
redis.call('SADD', KEYS[4], ARGV[4])
local isNew = 0
if redis.call('SET', KEYS[3], '1', 'PX', ARGV[2], 'NX') then
    isNew = 1
    redis.call('HINCRBY', KEYS[1], 'count', 1)
    redis.call('SADD', KEYS[2], ARGV[3])
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
local unique = redis.call('SCARD', KEYS[2])
return {count, unique, isNew}
`)

// createScript seeds the aggregate if missing and returns [count, unique].
//
// KEYS: aggregate hash, visitor set, project index
// ARGV: base, project
var createScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'count', ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
local unique = redis.call('SCARD', KEYS[2])
return {count, unique}
`)

const resetScanCount = 500

// Redis is a Redis-backed implementation of Store. Several service instances
// pointed at the same Redis share counts and dedup markers.
//
// Keys, all under Prefix:
//
//	projects                        set of known project names
//	project:<p>                     hash with field "count"
//	visitors:<p>                    set of counted identity hashes
//	seen:<len(p)>:<p>:<hash>        visitor marker with a TTL
//
// The length prefix on marker keys stops a reset of project "a" from
// matching markers of project "a:b".
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds configuration for the Redis connection.
// Populate it from the service configuration; it never reads the environment.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// Prefix is prepended to all keys (default: "badgecount:")
	Prefix string

	// VisitorTTL is the lifetime of visitor markers (default: 24h)
	VisitorTTL time.Duration

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store and verifies the connection with a ping.
// Returns an error if Redis cannot be reached within 5 seconds.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "badgecount:"
	}
	if config.VisitorTTL <= 0 {
		config.VisitorTTL = DefaultVisitorTTL
	}

	opts := &redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
		ttl:    config.VisitorTTL,
	}, nil
}

// RecordVisit runs the record script for the visitor.
func (r *Redis) RecordVisit(ctx context.Context, project, identityHash string, base int64) (Aggregate, bool, error) {
	keys := []string{
		r.aggregateKey(project),
		r.visitorsKey(project),
		r.markerKey(project, identityHash),
		r.indexKey(),
	}
	ttlMillis := max(1, r.ttl.Milliseconds())

	result, err := recordScript.Run(ctx, r.client, keys, ClampBase(base), ttlMillis, identityHash, project).Slice()
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("redis record visit failed: %w", err)
	}

	values, err := int64Values(result, 3)
	if err != nil {
		return Aggregate{}, false, err
	}

	return Aggregate{Count: values[0], UniqueVisitors: values[1]}, values[2] == 1, nil
}

// Get reads the aggregate without touching markers.
func (r *Redis) Get(ctx context.Context, project string) (Aggregate, bool, error) {
	pipe := r.client.Pipeline()
	countCmd := pipe.HGet(ctx, r.aggregateKey(project), "count")
	uniqueCmd := pipe.SCard(ctx, r.visitorsKey(project))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Aggregate{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	count, err := countCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return Aggregate{}, false, nil
	}
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	return Aggregate{Count: count, UniqueVisitors: uniqueCmd.Val()}, true, nil
}

// GetOrCreate seeds the aggregate with base if it does not exist.
func (r *Redis) GetOrCreate(ctx context.Context, project string, base int64) (Aggregate, error) {
	keys := []string{r.aggregateKey(project), r.visitorsKey(project), r.indexKey()}

	result, err := createScript.Run(ctx, r.client, keys, ClampBase(base), project).Slice()
	if err != nil {
		return Aggregate{}, fmt.Errorf("redis create failed: %w", err)
	}

	values, err := int64Values(result, 2)
	if err != nil {
		return Aggregate{}, err
	}
	return Aggregate{Count: values[0], UniqueVisitors: values[1]}, nil
}

// Reset deletes the aggregate, its index entry and every visitor marker.
//
// Unlike Memory, a visit that lands while the marker scan is running may be
// counted against the fresh aggregate and then lose its marker, letting that
// visitor count once more within the window.
func (r *Redis) Reset(ctx context.Context, project string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.aggregateKey(project), r.visitorsKey(project))
	pipe.SRem(ctx, r.indexKey(), project)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}

	pattern := escapeGlob(r.markerPrefix(project)) + "*"
	iter := r.client.Scan(ctx, 0, pattern, resetScanCount).Iterator()

	batch := make([]string, 0, resetScanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == resetScanCount {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis reset failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis reset scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis reset failed: %w", err)
		}
	}
	return nil
}

// Stats reads every indexed project in one pipeline.
func (r *Redis) Stats(ctx context.Context) (map[string]Aggregate, error) {
	projects, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats failed: %w", err)
	}

	out := make(map[string]Aggregate, len(projects))
	if len(projects) == 0 {
		return out, nil
	}

	countCmds := make([]*redis.StringCmd, len(projects))
	uniqueCmds := make([]*redis.IntCmd, len(projects))

	pipe := r.client.Pipeline()
	for i, project := range projects {
		countCmds[i] = pipe.HGet(ctx, r.aggregateKey(project), "count")
		uniqueCmds[i] = pipe.SCard(ctx, r.visitorsKey(project))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis stats failed: %w", err)
	}

	for i, project := range projects {
		count, err := countCmds[i].Int64()
		if errors.Is(err, redis.Nil) {
			// Reset between SMEMBERS and the pipeline.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis stats failed: %w", err)
		}
		out[project] = Aggregate{Count: count, UniqueVisitors: uniqueCmds[i].Val()}
	}
	return out, nil
}

// Len returns the number of indexed projects.
func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len failed: %w", err)
	}
	return int(n), nil
}

// Client returns the underlying client so other components can share the
// connection pool.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Prefix returns the key prefix in use, after defaults were applied.
func (r *Redis) Prefix() string {
	return r.prefix
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) indexKey() string {
	return r.prefix + "projects"
}

func (r *Redis) aggregateKey(project string) string {
	return r.prefix + "project:" + project
}

func (r *Redis) visitorsKey(project string) string {
	return r.prefix + "visitors:" + project
}

func (r *Redis) markerKey(project, identityHash string) string {
	return r.markerPrefix(project) + identityHash
}

// markerPrefix returns "<prefix>seen:<len>:<project>:".
func (r *Redis) markerPrefix(project string) string {
	var sb strings.Builder
	sb.Grow(len(r.prefix) + len(project) + 16)
	sb.WriteString(r.prefix)
	sb.WriteString("seen:")
	sb.WriteString(strconv.Itoa(len(project)))
	sb.WriteByte(':')
	sb.WriteString(project)
	sb.WriteByte(':')
	return sb.String()
}

// escapeGlob escapes SCAN pattern metacharacters.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func int64Values(result []any, want int) ([]int64, error) {
	if len(result) != want {
		return nil, fmt.Errorf("unexpected result length: got %d, want %d", len(result), want)
	}
	values := make([]int64, want)
	for i, v := range result {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected type for result %d: %T", i, v)
		}
		values[i] = n
	}
	return values, nil
}
