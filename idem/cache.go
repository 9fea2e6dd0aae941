package idem

import (
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/sagaguard/xerrors"
)

// replayCache 已完成响应的进程内缓存
//
// 只缓存 COMPLETED 记录，终态不可变，因此命中的结果总是正确的。
// nil 接收者表示未启用缓存。
type replayCache struct {
	cache *otter.Cache[string, []byte]
}

func newReplayCache(maxSize int) (*replayCache, error) {
	c, err := otter.New(&otter.Options[string, []byte]{
		MaximumSize: maxSize,
		// 实际过期时间在 put 时按记录的 expiresAt 覆盖
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](time.Hour),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "idem: build replay cache")
	}
	return &replayCache{cache: c}, nil
}

func (r *replayCache) get(key string) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	return cloneBytes(v), true
}

func (r *replayCache) put(key string, resp []byte, ttl time.Duration) {
	if r == nil || ttl <= 0 {
		return
	}
	r.cache.Set(key, cloneBytes(resp))
	r.cache.SetExpiresAfter(key, ttl)
}

func (r *replayCache) clear() {
	if r == nil {
		return
	}
	r.cache.InvalidateAll()
}
