// internal/infra/etcd/endpoint_store.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"sd-batch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEndpointsPrefix is the etcd prefix where backends are registered,
// one key per backend: {prefix}{name} = {url}.
const DefaultEndpointsPrefix = "/sdbatch/endpoints/"

// EndpointStore resolves the endpoint pool from etcd and lets backend hosts
// register themselves under a lease.
type EndpointStore struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	leaseID clientv3.LeaseID
}

// NewEndpointStore creates a store rooted at prefix.
func NewEndpointStore(client *clientv3.Client, prefix string, timeout time.Duration, logger *slog.Logger) *EndpointStore {
	if prefix == "" {
		prefix = DefaultEndpointsPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EndpointStore{
		kv:      client,
		lease:   client,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With("component", "endpoint-store"),
	}
}

// Endpoints returns a snapshot of the registered endpoints, ordered by name.
// The pool is read once per run; later registrations join the next run.
func (s *EndpointStore) Endpoints(ctx context.Context) ([]domain.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints from etcd: %w", err)
	}

	endpoints := make([]domain.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), s.prefix)
		addr := strings.TrimSpace(string(kv.Value))
		if _, err := url.ParseRequestURI(addr); err != nil {
			s.logger.Warn("ignoring endpoint with invalid url", "name", name, "url", addr)
			continue
		}
		s.logger.Debug("found endpoint", "name", name, "url", addr)
		endpoints = append(endpoints, domain.Endpoint{Name: name, URL: addr})
	}
	return endpoints, nil
}

// Register publishes an endpoint under a lease with the given TTL and keeps
// the lease alive until ctx is done or Deregister is called.
func (s *EndpointStore) Register(ctx context.Context, endpoint domain.Endpoint, ttl int64) error {
	if endpoint.Name == "" || strings.Contains(endpoint.Name, "/") {
		return &domain.InputError{Err: fmt.Errorf("invalid endpoint name %q", endpoint.Name)}
	}
	if _, err := url.ParseRequestURI(endpoint.URL); err != nil {
		return &domain.InputError{Err: fmt.Errorf("invalid endpoint url %q: %w", endpoint.URL, err)}
	}
	key := s.prefix + endpoint.Name

	leaseResp, err := s.lease.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	s.leaseID = leaseResp.ID

	if _, err := s.kv.Put(ctx, key, endpoint.URL, clientv3.WithLease(s.leaseID)); err != nil {
		return fmt.Errorf("failed to put endpoint registration key: %w", err)
	}

	keepAliveCh, err := s.lease.KeepAlive(ctx, s.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			s.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		if ctx.Err() == nil {
			s.logger.Warn("keep-alive channel closed, endpoint registration may have expired", "key", key)
		}
	}()

	s.logger.Info("endpoint registered", "key", key, "url", endpoint.URL, "ttl", ttl)
	return nil
}

// Deregister revokes the lease, which deletes the registration key.
func (s *EndpointStore) Deregister(ctx context.Context) error {
	if s.leaseID == clientv3.NoLease {
		return nil
	}
	if _, err := s.lease.Revoke(ctx, s.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	s.logger.Info("endpoint deregistered", "lease_id", s.leaseID)
	s.leaseID = clientv3.NoLease
	return nil
}
