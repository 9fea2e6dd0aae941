package dlock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/xerrors"
)

// Redis 中租约为一个带 PX 过期时间的字符串，值为 JSON 编码的 leaseValue；
// key 不存在即视为已过期
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
if cjson.decode(v)['locked_by'] == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type leaseValue struct {
	LockedBy    string `json:"locked_by"`
	LockedAt    int64  `json:"locked_at"`
	LockedUntil int64  `json:"locked_until"`
}

type redisBackend struct {
	conn   connector.RedisConnector
	prefix string
}

func newRedisBackend(conn connector.RedisConnector, prefix string) *redisBackend {
	return &redisBackend{conn: conn, prefix: prefix}
}

func (r *redisBackend) key(name string) string { return r.prefix + name }

func (r *redisBackend) client() (*redis.Client, error) {
	c := r.conn.GetClient()
	if c == nil {
		return nil, xerrors.Wrap(ErrConnectorNil, "redis client is nil")
	}
	return c, nil
}

func (r *redisBackend) tryAcquire(ctx context.Context, name, holder string, d time.Duration, now time.Time) (*Lease, error) {
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	lease := &Lease{Name: name, LockedBy: holder, LockedAt: now, LockedUntil: now.Add(d)}
	val, err := json.Marshal(leaseValue{
		LockedBy:    holder,
		LockedAt:    lease.LockedAt.UnixNano(),
		LockedUntil: lease.LockedUntil.UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	ok, err := c.SetNX(ctx, r.key(name), val, d).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis set nx")
	}
	if !ok {
		return nil, nil
	}
	return lease, nil
}

func (r *redisBackend) release(ctx context.Context, name, holder string, _ time.Time) (bool, error) {
	c, err := r.client()
	if err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, c, []string{r.key(name)}, holder).Int64()
	if err != nil {
		return false, xerrors.Wrap(err, "redis release script")
	}
	return n == 1, nil
}

func (r *redisBackend) get(ctx context.Context, name string, _ time.Time) (*Lease, error) {
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	raw, err := c.Get(ctx, r.key(name)).Bytes()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return nil, ErrLeaseNotFound
		}
		return nil, xerrors.Wrap(err, "redis get")
	}
	return decodeLeaseValue(name, raw)
}

func decodeLeaseValue(name string, raw []byte) (*Lease, error) {
	var v leaseValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, xerrors.Wrap(err, "decode lease value")
	}
	return &Lease{
		Name:        name,
		LockedBy:    v.LockedBy,
		LockedAt:    time.Unix(0, v.LockedAt).UTC(),
		LockedUntil: time.Unix(0, v.LockedUntil).UTC(),
	}, nil
}

func (r *redisBackend) close() error { return nil }
