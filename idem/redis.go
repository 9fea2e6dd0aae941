package idem

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/xerrors"
)

// Redis 布局：
//
//	<prefix>rec:<key>       Hash，一条记录
//	<prefix>idx:expiry      ZSET，score = expiresAt（微秒，精确比较回查 hash 的纳秒值）
//	<prefix>idx:processing  ZSET，score = createdAt（微秒），仅包含 PROCESSING 记录
//
// 记录不设置 Redis 原生 TTL，过期删除只由 CleanupExpired 触发，
// 以保证"被清理"与"过期"是同一件事。
const (
	redisFieldOp        = "op"
	redisFieldStatus    = "status"
	redisFieldReq       = "req"
	redisFieldResp      = "resp"
	redisFieldErr       = "err"
	redisFieldCreated   = "created"
	redisFieldUpdated   = "updated"
	redisFieldCompleted = "completed"
	redisFieldExpires   = "expires"
	redisFieldWorkflow  = "wf"
	redisFieldRetry     = "retry"
)

// KEYS: rec, idx:expiry, idx:processing
// ARGV: key, op, req, createdNanos, expiresNanos, workflow, createdMicros, expiresMicros
var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'op', ARGV[2], 'status', 'PROCESSING', 'req', ARGV[3],
  'created', ARGV[4], 'updated', ARGV[4], 'expires', ARGV[5],
  'wf', ARGV[6], 'retry', 0)
redis.call('ZADD', KEYS[2], ARGV[8], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
return 1
`)

// KEYS: rec, idx:processing
// ARGV: key, status, resp, err, nowNanos
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'PROCESSING' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'resp', ARGV[3], 'err', ARGV[4],
  'completed', ARGV[5], 'updated', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: rec
// ARGV: nowNanos
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'PROCESSING' then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'retry', 1)
redis.call('HSET', KEYS[1], 'updated', ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: idx:expiry, idx:processing
// ARGV: nowMicros, recPrefix, batch, nowNanos
//
// score 是微秒，先删除 score < nowMicros 的一批；批次未满时再处理
// score == nowMicros 的边界记录，用 hash 里的纳秒 expires 判断。
// 纳秒值是等长的十进制串，按长度再按字典序比较，避免 Lua 浮点精度丢失。
// 记录 key 由 ARGV 拼出，未出现在 KEYS 中；Redis Cluster 下 prefix 需要是
// 同一个 hash tag（如 "{sg:idem}:"），保证所有 key 落在同一个 slot。
// 返回 {删除数, 是否还有剩余}
var cleanupScript = redis.NewScript(`
local function before(a, b)
  if #a ~= #b then return #a < #b end
  return a < b
end
local n = 0
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  n = n + redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZREM', KEYS[2], id)
end
if #ids >= tonumber(ARGV[3]) then
  return {n, 1}
end
local edge = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
for _, id in ipairs(edge) do
  local exp = redis.call('HGET', ARGV[2] .. id, 'expires')
  if not exp or before(exp, ARGV[4]) then
    n = n + redis.call('DEL', ARGV[2] .. id)
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZREM', KEYS[2], id)
  end
end
return {n, 0}
`)

type redisStore struct {
	conn   connector.RedisConnector
	prefix string
	batch  int
}

func newRedisStore(conn connector.RedisConnector, prefix string, batch int) *redisStore {
	return &redisStore{conn: conn, prefix: prefix, batch: batch}
}

func (rs *redisStore) recKey(key string) string { return rs.prefix + "rec:" + key }
func (rs *redisStore) expiryIndex() string { return rs.prefix + "idx:expiry" }
func (rs *redisStore) processingIndex() string { return rs.prefix + "idx:processing" }

func (rs *redisStore) client() (*redis.Client, error) {
	c := rs.conn.GetClient()
	if c == nil {
		return nil, connector.ErrClientNil
	}
	return c, nil
}

func nanos(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }
func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (rs *redisStore) Create(ctx context.Context, rec *Record) (bool, error) {
	c, err := rs.client()
	if err != nil {
		return false, err
	}
	n, err := beginScript.Run(ctx, c,
		[]string{rs.recKey(rec.Key), rs.expiryIndex(), rs.processingIndex()},
		rec.Key, rec.OperationType, rec.RequestPayload,
		nanos(rec.CreatedAt), nanos(rec.ExpiresAt), rec.WorkflowInstanceID,
		micros(rec.CreatedAt), micros(rec.ExpiresAt),
	).Int()
	if err != nil {
		return false, xerrors.Wrap(err, "redis begin script")
	}
	return n == 1, nil
}

func (rs *redisStore) Get(ctx context.Context, key string) (*Record, error) {
	c, err := rs.client()
	if err != nil {
		return nil, err
	}
	fields, err := c.HGetAll(ctx, rs.recKey(key)).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis hgetall")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(key, fields)
}

func (rs *redisStore) Finish(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error) {
	c, err := rs.client()
	if err != nil {
		return nil, err
	}
	res, err := finishScript.Run(ctx, c,
		[]string{rs.recKey(key), rs.processingIndex()},
		key, string(to), response, errorMessage, nanos(now),
	).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis finish script")
	}
	return rs.scriptRecord(key, res)
}

func (rs *redisStore) IncrementRetry(ctx context.Context, key string, now time.Time) (*Record, error) {
	c, err := rs.client()
	if err != nil {
		return nil, err
	}
	res, err := retryScript.Run(ctx, c, []string{rs.recKey(key)}, nanos(now)).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis retry script")
	}
	return rs.scriptRecord(key, res)
}

// scriptRecord 脚本返回 0 表示未迁移，否则返回 HGETALL 的扁平数组
func (rs *redisStore) scriptRecord(key string, res any) (*Record, error) {
	flat, ok := res.([]any)
	if !ok {
		return nil, nil
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return recordFromHash(key, fields)
}

func (rs *redisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	c, err := rs.client()
	if err != nil {
		return 0, err
	}
	var total int64
	for {
		res, err := cleanupScript.Run(ctx, c,
			[]string{rs.expiryIndex(), rs.processingIndex()},
			micros(now), rs.prefix+"rec:", rs.batch, nanos(now),
		).Int64Slice()
		if err != nil {
			return total, xerrors.Wrap(err, "redis cleanup script")
		}
		if len(res) != 2 {
			return total, xerrors.New("idem: redis cleanup script returned an unexpected reply")
		}
		total += res[0]
		if res[1] == 0 {
			return total, nil
		}
	}
}

func (rs *redisStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	c, err := rs.client()
	if err != nil {
		return nil, err
	}
	keys, err := c.ZRangeByScore(ctx, rs.processingIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: micros(cutoff), // 含边界，按纳秒 createdAt 在下面过滤
	}).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis zrangebyscore")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, rs.recKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, xerrors.Wrap(err, "redis pipeline hgetall")
	}

	out := make([]*Record, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromHash(keys[i], fields)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusProcessing && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func recordFromHash(key string, f map[string]string) (*Record, error) {
	rec := &Record{
		Key:                key,
		OperationType:      f[redisFieldOp],
		Status:             Status(f[redisFieldStatus]),
		ErrorMessage:       f[redisFieldErr],
		WorkflowInstanceID: f[redisFieldWorkflow],
	}
	if v := f[redisFieldReq]; v != "" {
		rec.RequestPayload = []byte(v)
	}
	if v := f[redisFieldResp]; v != "" {
		rec.ResponsePayload = []byte(v)
	}

	var err error
	if rec.CreatedAt, err = parseNanos(f[redisFieldCreated]); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseNanos(f[redisFieldUpdated]); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = parseNanos(f[redisFieldExpires]); err != nil {
		return nil, err
	}
	if v := f[redisFieldCompleted]; v != "" {
		t, err := parseNanos(v)
		if err != nil {
			return nil, err
		}
		rec.CompletedAt = &t
	}
	if v := f[redisFieldRetry]; v != "" {
		if rec.RetryCount, err = strconv.Atoi(v); err != nil {
			return nil, xerrors.Wrapf(err, "redis record %q: retry", key)
		}
	}
	return rec, nil
}

func parseNanos(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Wrapf(err, "redis record: bad timestamp %q", v)
	}
	return time.Unix(0, n).UTC(), nil
}
