// Package discovery keeps the relay list in etcd so several crawlers share
// one set of relays.
package discovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const Prefix = "/xanadu/relays/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func relayKey(name string) string { return Prefix + name }

// nameFromKey strips Prefix; ok is false for keys outside it.
func nameFromKey(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, Prefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// RegisterRelay publishes url under name with a lease of ttl seconds and
// keeps the lease alive until ctx ends.
func RegisterRelay(ctx context.Context, cli *clientv3.Client, name, url string, ttl int64) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, relayKey(name), url, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("put %s: %w", relayKey(name), err)
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, nil
}

// ListRelays returns the registered relay urls, sorted and de-duplicated.
func ListRelays(ctx context.Context, cli *clientv3.Client) ([]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	return relayURLs(resp.Kvs), nil
}

func relayURLs(kvs []*mvccpb.KeyValue) []string {
	urls := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if _, ok := nameFromKey(string(kv.Key)); !ok || len(kv.Value) == 0 {
			continue
		}
		urls = append(urls, string(kv.Value))
	}
	slices.Sort(urls)
	return slices.Compact(urls)
}

// WatchRelays calls fn with the current list and again after every change
// under Prefix, until ctx ends.
func WatchRelays(ctx context.Context, cli *clientv3.Client, logger *zap.Logger, fn func([]string)) error {
	urls, err := ListRelays(ctx, cli)
	if err != nil {
		return err
	}
	fn(urls)

	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			logger.Warn("relay watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			name, _ := nameFromKey(string(ev.Kv.Key))
			switch ev.Type {
			case mvccpb.PUT:
				logger.Info("relay registered", zap.String("name", name), zap.ByteString("url", ev.Kv.Value))
			case mvccpb.DELETE:
				logger.Info("relay removed", zap.String("name", name))
			}
		}
		urls, err := ListRelays(ctx, cli)
		if err != nil {
			logger.Warn("relay relist failed", zap.Error(err))
			continue
		}
		fn(urls)
	}
	return ctx.Err()
}
