// Package discovery publishes and finds peer listen addresses in etcd.
// Each node keeps <prefix>/<base58 id> = <addr> alive under a lease.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"truman/internal/config"
	"truman/internal/peer"
)

var ErrForeignKey = errors.New("key outside discovery prefix")

const opTimeout = 5 * time.Second

type Entry struct {
	ID   peer.ID
	Addr string
}

func NewClient(cfg config.DiscoveryConfig, log *zap.Logger) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("discovery: no endpoints")
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
		Logger:      log.Named("etcd"),
	})
}

func Key(prefix string, id peer.ID) string {
	return strings.TrimRight(prefix, "/") + "/" + id.String()
}

func ParseKey(prefix, key string) (peer.ID, error) {
	p := strings.TrimRight(prefix, "/") + "/"
	if !strings.HasPrefix(key, p) {
		return "", fmt.Errorf("%w: %s", ErrForeignKey, key)
	}
	return peer.Decode(strings.TrimPrefix(key, p))
}

// Register puts this node's address under a fresh lease and keeps the lease
// alive until ctx is done.
func Register(ctx context.Context, cli *clientv3.Client, prefix string, id peer.ID, addr string, ttl int64) (clientv3.LeaseID, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	lease, err := cli.Grant(opCtx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(opCtx, Key(prefix, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("put %s: %w", Key(prefix, id), err)
	}
	ka, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
	}()
	return lease.ID, nil
}

func Deregister(ctx context.Context, cli *clientv3.Client, lease clientv3.LeaseID) error {
	_, err := cli.Revoke(ctx, lease)
	return err
}

func List(ctx context.Context, cli *clientv3.Client, prefix string) ([]Entry, error) {
	resp, err := cli.Get(ctx, strings.TrimRight(prefix, "/")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	return entriesFromKVs(prefix, resp.Kvs), nil
}

// Watch calls fn for every address put under prefix until ctx is done.
func Watch(ctx context.Context, cli *clientv3.Client, prefix string, fn func(Entry)) {
	wch := cli.Watch(ctx, strings.TrimRight(prefix, "/")+"/", clientv3.WithPrefix())
	for resp := range wch {
		for _, ev := range resp.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			for _, e := range entriesFromKVs(prefix, []*mvccpb.KeyValue{ev.Kv}) {
				fn(e)
			}
		}
	}
}

func entriesFromKVs(prefix string, kvs []*mvccpb.KeyValue) []Entry {
	out := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		if kv == nil || len(kv.Value) == 0 {
			continue
		}
		id, err := ParseKey(prefix, string(kv.Key))
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: id, Addr: string(kv.Value)})
	}
	return out
}
