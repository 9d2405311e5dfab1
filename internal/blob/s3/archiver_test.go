package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/decimal"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/metrics"
	"github.com/alanyoungcy/marginbot/internal/store/memory"
)

// bucket is an in-memory BlobWriter and BlobReader.
type bucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newBucket() *bucket { return &bucket{objects: make(map[string][]byte)} }

func (b *bucket) Put(_ context.Context, p string, data io.Reader, _ string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[p] = buf
	return nil
}

func (b *bucket) PutMultipart(ctx context.Context, p string, data io.Reader, _ int64) error {
	b.mu.Lock()
	b.multipart++
	b.mu.Unlock()
	return b.Put(ctx, p, data, jsonlContentType)
}

func (b *bucket) Get(_ context.Context, p string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[p]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *bucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, data := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *bucket) Exists(_ context.Context, p string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[p]
	return ok, nil
}

func closeOrder(t *testing.T, store *memory.Store, id uint64, closedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	o := domain.Order{
		ID: id, Owner: "alice", Status: domain.OrderStatusPending, Type: domain.OrderTypeBuy,
		Amount: *uint256.NewInt(100), Leverage: decimal.One(),
	}
	require.NoError(t, store.Apply(ctx, domain.Settlement{Order: o, Insert: true}))
	o.Status = domain.OrderStatusCanceled
	o.ClosedAt = &closedAt
	require.NoError(t, store.Apply(ctx, domain.Settlement{Order: o}))
}

func readLines(t *testing.T, data []byte) []domain.OrderRecord {
	t.Helper()
	var out []domain.OrderRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r domain.OrderRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

func TestArchiveOrdersByWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blobs := newBucket()
	a := NewArchiver(blobs, blobs, store, store, metrics.New("test"), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	closeOrder(t, store, 1, t0.Add(time.Hour))
	closeOrder(t, store, 2, t0.Add(48*time.Hour))

	n, err := a.ArchiveOrders(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	first := "archive/orders/2026-10/20261002T000000Z.jsonl"
	require.Contains(t, blobs.objects, first)
	lines := readLines(t, blobs.objects[first])
	require.Len(t, lines, 1)
	assert.Equal(t, uint64(1), lines[0].ID)
	assert.Equal(t, "100", lines[0].Amount)

	// Re-running with the same cutoff archives nothing new.
	n, err = a.ArchiveOrders(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.ArchiveOrders(ctx, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	lines = readLines(t, blobs.objects["archive/orders/2026-10/20261004T000000Z.jsonl"])
	require.Len(t, lines, 1)
	assert.Equal(t, uint64(2), lines[0].ID)

	audit, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "archive_orders", audit[0].Event)
}

func TestArchiveAuditUsesMultipartForLargePayloads(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blobs := newBucket()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Log(ctx, "deposit", map[string]any{"owner": "alice", "pad": strings.Repeat("x", 64)}))
	}
	a := NewArchiver(blobs, blobs, store, store, nil, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveAudit(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, blobs.multipart)
}

func TestArchivePathAndPrefix(t *testing.T) {
	before := time.Date(2026, 1, 31, 23, 59, 59, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "archive/audit/2026-01/20260131T225959Z.jsonl", archivePath("audit", before))
	assert.Equal(t, "prod/archive/x", joinPrefix("prod", "/archive/x"))
	assert.Equal(t, "archive/x", joinPrefix("", "archive/x"))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
