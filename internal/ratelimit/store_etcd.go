package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultCASAttempts = 3

type etcdCounter struct {
	Hits    int64 `json:"hits"`
	ResetAt int64 `json:"reset_at"`
}

// EtcdStore emulates the atomic upsert with a compare-and-swap transaction on
// the key's revision. A lost race is retried a bounded number of times and
// then reported as ErrContention, which the limiter treats as a denial. etcd
// has no server clock, so expiry uses the caller's clock.
type EtcdStore struct {
	kv          clientv3.KV
	lease       clientv3.Lease
	prefix      string
	maxAttempts int
}

func NewEtcdStore(client *clientv3.Client, prefix string) *EtcdStore {
	return newEtcdStore(client.KV, client.Lease, prefix, defaultCASAttempts)
}

func newEtcdStore(kv clientv3.KV, lease clientv3.Lease, prefix string, attempts int) *EtcdStore {
	if attempts <= 0 {
		attempts = defaultCASAttempts
	}
	return &EtcdStore{kv: kv, lease: lease, prefix: prefix, maxAttempts: attempts}
}

func (s *EtcdStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	k := s.prefix + key
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UnixMilli()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		resp, err := s.kv.Get(ctx, k)
		if err != nil {
			return Record{}, fmt.Errorf("etcd get %s: %w", k, err)
		}

		var (
			cmp  clientv3.Cmp
			next etcdCounter
		)
		fresh := true
		if len(resp.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
		} else {
			var cur etcdCounter
			if err := json.Unmarshal(resp.Kvs[0].Value, &cur); err != nil {
				return Record{}, fmt.Errorf("etcd decode %s: %w", k, err)
			}
			cmp = clientv3.Compare(clientv3.ModRevision(k), "=", resp.Kvs[0].ModRevision)
			if cur.ResetAt > nowMs {
				fresh = false
				next = etcdCounter{Hits: cur.Hits + 1, ResetAt: cur.ResetAt}
			}
		}

		var opts []clientv3.OpOption
		if fresh {
			next = etcdCounter{Hits: 1, ResetAt: now.Add(window).UnixMilli()}
			grant, err := s.lease.Grant(ctx, int64(math.Ceil(window.Seconds()))+1)
			if err != nil {
				return Record{}, fmt.Errorf("etcd lease grant: %w", err)
			}
			opts = append(opts, clientv3.WithLease(grant.ID))
		} else {
			opts = append(opts, clientv3.WithIgnoreLease())
		}

		val, err := json.Marshal(next)
		if err != nil {
			return Record{}, err
		}

		txn, err := s.kv.Txn(ctx).If(cmp).Then(clientv3.OpPut(k, string(val), opts...)).Commit()
		if err != nil {
			return Record{}, fmt.Errorf("etcd txn %s: %w", k, err)
		}
		if txn.Succeeded {
			return Record{Key: key, Count: next.Hits, WindowResetAt: time.UnixMilli(next.ResetAt), Now: now}, nil
		}
	}

	return Record{}, fmt.Errorf("%w: %s after %d attempts", ErrContention, k, s.maxAttempts)
}

func (s *EtcdStore) Reset(ctx context.Context, key string) error {
	_, err := s.kv.Delete(ctx, s.prefix+key)
	return err
}
