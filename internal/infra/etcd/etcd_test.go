package etcd

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"sd-batch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// memKV is an in-memory clientv3.KV supporting plain and ranged Get and Put.
type memKV struct {
	clientv3.KV

	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (m *memKV) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	op := clientv3.OpGet(key, opts...)
	end := op.RangeBytes()

	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		switch {
		case end == nil && k == key:
			keys = append(keys, k)
		case end != nil && k >= key && bytes.Compare([]byte(k), end) < 0:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(m.data[k])})
	}
	return resp, nil
}

type memLease struct {
	clientv3.Lease

	granted clientv3.LeaseID
	revoked clientv3.LeaseID
}

func (l *memLease) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	l.granted = 42
	return &clientv3.LeaseGrantResponse{ID: l.granted, TTL: ttl}, nil
}

func (l *memLease) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (l *memLease) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	l.revoked = id
	return &clientv3.LeaseRevokeResponse{}, nil
}

func newStore(kv clientv3.KV, lease clientv3.Lease) *EndpointStore {
	return &EndpointStore{
		kv:      kv,
		lease:   lease,
		prefix:  DefaultEndpointsPrefix,
		timeout: time.Second,
		logger:  slog.Default(),
	}
}

func TestEndpointStore_Snapshot(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()
	_, _ = kv.Put(ctx, "/sdbatch/endpoints/gpu-b", "http://10.0.0.2:7860")
	_, _ = kv.Put(ctx, "/sdbatch/endpoints/gpu-a", "http://10.0.0.1:7860")
	_, _ = kv.Put(ctx, "/sdbatch/endpoints/broken", "not a url")
	_, _ = kv.Put(ctx, "/sdbatch/history/run/x", "{}")

	endpoints, err := newStore(kv, nil).Endpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Endpoint{
		{Name: "gpu-a", URL: "http://10.0.0.1:7860"},
		{Name: "gpu-b", URL: "http://10.0.0.2:7860"},
	}, endpoints)
}

func TestEndpointStore_RegisterAndDeregister(t *testing.T) {
	kv := newMemKV()
	lease := &memLease{}
	s := newStore(kv, lease)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Register(ctx, domain.Endpoint{Name: "gpu-a", URL: "http://10.0.0.1:7860"}, 10))

	endpoints, err := s.Endpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Endpoint{{Name: "gpu-a", URL: "http://10.0.0.1:7860"}}, endpoints)

	require.NoError(t, s.Deregister(context.Background()))
	assert.Equal(t, clientv3.LeaseID(42), lease.revoked)
	assert.NoError(t, s.Deregister(context.Background()), "second deregister is a no-op")
}

func TestEndpointStore_RegisterRejectsBadInput(t *testing.T) {
	s := newStore(newMemKV(), &memLease{})
	for _, e := range []domain.Endpoint{
		{Name: "", URL: "http://x:7860"},
		{Name: "a/b", URL: "http://x:7860"},
		{Name: "a", URL: "::nope"},
	} {
		err := s.Register(context.Background(), e, 10)
		assert.True(t, domain.IsInput(err), "%+v", e)
	}
}

func TestExecutionRepository(t *testing.T) {
	repo := NewEtcdExecutionRepository(newMemKV(), slog.Default())
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, idx := range []int{2, 0, 1} {
		require.NoError(t, repo.Save(ctx, &domain.ExecutionRecord{
			ID:        "exec-" + string(rune('a'+i)),
			RunID:     "run-1",
			JobID:     "job",
			Index:     idx,
			StartTime: start,
			Status:    domain.ExecutionStatusSuccess,
		}))
	}
	require.NoError(t, repo.Save(ctx, &domain.ExecutionRecord{ID: "other", RunID: "run-2", JobID: "job", StartTime: start, Status: domain.ExecutionStatusFailed}))

	records, err := repo.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, "run-1", r.RunID)
	}

	got, err := repo.Get(ctx, "run-2", "other")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)

	got, err = repo.Get(ctx, "run-2", "oth")
	require.NoError(t, err, "unique prefix")
	assert.Equal(t, "other", got.ID)

	_, err = repo.Get(ctx, "run-1", "exec-")
	assert.ErrorContains(t, err, "matches several records")

	_, err = repo.Get(ctx, "run-2", "missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)

	assert.Error(t, repo.Save(ctx, &domain.ExecutionRecord{ID: "x"}), "run id is required")
}
