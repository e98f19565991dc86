package database

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewEtcdClient connects to endpoints and confirms the cluster answers.
func NewEtcdClient(ctx context.Context, endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, endpoints[0]); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach etcd at %s: %w", endpoints[0], err)
	}
	return client, nil
}
