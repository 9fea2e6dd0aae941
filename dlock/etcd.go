package dlock

import (
	"context"
	"encoding/json"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/sagaguard/connector"
	"github.com/ceyewan/sagaguard/xerrors"
)

// etcdBackend 每次获取都申请一个新的 etcd lease，key 绑定该 lease；
// lease 到期后 key 被服务端删除，即租约过期
type etcdBackend struct {
	conn   connector.EtcdConnector
	prefix string
}

func newEtcdBackend(conn connector.EtcdConnector, prefix string) *etcdBackend {
	return &etcdBackend{conn: conn, prefix: prefix}
}

func (e *etcdBackend) key(name string) string { return e.prefix + name }

func (e *etcdBackend) client() (*clientv3.Client, error) {
	c := e.conn.GetClient()
	if c == nil {
		return nil, xerrors.Wrap(ErrConnectorNil, "etcd client is nil")
	}
	return c, nil
}

func leaseTTL(d time.Duration) int64 {
	ttl := int64(math.Ceil(d.Seconds()))
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (e *etcdBackend) tryAcquire(ctx context.Context, name, holder string, d time.Duration, now time.Time) (*Lease, error) {
	c, err := e.client()
	if err != nil {
		return nil, err
	}

	grant, err := c.Grant(ctx, leaseTTL(d))
	if err != nil {
		return nil, xerrors.Wrap(err, "etcd grant")
	}

	lease := &Lease{Name: name, LockedBy: holder, LockedAt: now, LockedUntil: now.Add(d)}
	val, err := json.Marshal(leaseValue{
		LockedBy:    holder,
		LockedAt:    lease.LockedAt.UnixNano(),
		LockedUntil: lease.LockedUntil.UnixNano(),
	})
	if err != nil {
		e.revoke(c, grant.ID)
		return nil, err
	}

	key := e.key(name)
	resp, err := c.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		e.revoke(c, grant.ID)
		return nil, xerrors.Wrap(err, "etcd txn")
	}
	if !resp.Succeeded {
		e.revoke(c, grant.ID)
		return nil, nil
	}
	return lease, nil
}

// revoke 使用独立的 context，调用方 ctx 已取消时也能回收 lease
func (e *etcdBackend) revoke(c *clientv3.Client, id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = c.Revoke(ctx, id)
}

// release 按 ModRevision 做比较删除，读到的持有者与删除的 key 必然是同一版本
func (e *etcdBackend) release(ctx context.Context, name, holder string, _ time.Time) (bool, error) {
	c, err := e.client()
	if err != nil {
		return false, err
	}
	key := e.key(name)
	resp, err := c.Get(ctx, key)
	if err != nil {
		return false, xerrors.Wrap(err, "etcd get")
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	kv := resp.Kvs[0]
	cur, err := decodeLeaseValue(name, kv.Value)
	if err != nil {
		return false, err
	}
	if cur.LockedBy != holder {
		return false, nil
	}

	txn, err := c.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, xerrors.Wrap(err, "etcd txn")
	}
	if !txn.Succeeded {
		return false, nil
	}
	if kv.Lease != 0 {
		e.revoke(c, clientv3.LeaseID(kv.Lease))
	}
	return true, nil
}

func (e *etcdBackend) get(ctx context.Context, name string, _ time.Time) (*Lease, error) {
	c, err := e.client()
	if err != nil {
		return nil, err
	}
	resp, err := c.Get(ctx, e.key(name))
	if err != nil {
		return nil, xerrors.Wrap(err, "etcd get")
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrLeaseNotFound
	}
	return decodeLeaseValue(name, resp.Kvs[0].Value)
}

func (e *etcdBackend) close() error { return nil }
