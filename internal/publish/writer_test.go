package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/idhash"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage/memory"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T {
	return &v
}

func testWindow(minute int) *domain.FeatureWindow {
	ws := start.Add(time.Duration(minute) * time.Minute)
	return &domain.FeatureWindow{
		WindowStart: ws,
		WindowEnd:   ws.Add(time.Minute),
		Venue:       domain.VenueBinancePerps,
		Symbol:      "btcusdt",
		SpreadBps:   ptr(1.25),
		DepthBid:    ptr(2.0),
		DepthAsk:    ptr(3.0),
		Imbalance:   nil,
		FreshnessMs: 120,
		SampleCount: 42,
	}
}

var fastRetry = storage.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type recordingPublisher struct {
	mu      sync.Mutex
	name    string
	err     error
	windows []*domain.FeatureWindow
	closed  bool
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, w *domain.FeatureWindow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windows = append(p.windows, w)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

// flakyFeatures fails the first n inserts.
type flakyFeatures struct {
	*memory.FeatureStore
	failures int
	calls    int
}

func (f *flakyFeatures) InsertFeature(ctx context.Context, w *domain.FeatureWindow) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.FeatureStore.InsertFeature(ctx, w)
}

func TestFeatureWriter_PersistsThenPublishes(t *testing.T) {
	store := memory.NewFeatureStore()
	pub := &recordingPublisher{name: "rec"}
	fw := NewFeatureWriter(store, WriterConfig{
		Retry:      fastRetry,
		Publishers: []Publisher{pub},
		Metrics:    observability.NewMetrics("test", prometheus.NewRegistry()),
	})

	require.NoError(t, fw.Emit(context.Background(), testWindow(0)))

	got, err := store.GetFeature(context.Background(), domain.VenueBinancePerps, "btcusdt", start)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.SampleCount)
	require.Len(t, pub.windows, 1)
}

func TestFeatureWriter_DuplicateIsSuccess(t *testing.T) {
	store := memory.NewFeatureStore()
	pub := &recordingPublisher{name: "rec"}
	fw := NewFeatureWriter(store, WriterConfig{Retry: fastRetry, Publishers: []Publisher{pub}})

	require.NoError(t, fw.Emit(context.Background(), testWindow(0)))
	require.NoError(t, fw.Emit(context.Background(), testWindow(0)))

	assert.Equal(t, 1, store.Count())
	assert.Len(t, pub.windows, 1, "duplicate must not be published twice")
}

func TestFeatureWriter_RetriesTransientFailures(t *testing.T) {
	store := &flakyFeatures{FeatureStore: memory.NewFeatureStore(), failures: 2}
	fw := NewFeatureWriter(store, WriterConfig{Retry: fastRetry})

	require.NoError(t, fw.Emit(context.Background(), testWindow(0)))
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, store.Count())
}

func TestFeatureWriter_ExhaustionIsStorageWriteError(t *testing.T) {
	store := &flakyFeatures{FeatureStore: memory.NewFeatureStore(), failures: 100}
	pub := &recordingPublisher{name: "rec"}
	fw := NewFeatureWriter(store, WriterConfig{Retry: fastRetry, Publishers: []Publisher{pub}})

	err := fw.Emit(context.Background(), testWindow(0))
	require.Error(t, err)
	assert.True(t, storage.IsStorageWriteError(err))

	var swe *storage.StorageWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, 3, swe.Attempts)
	assert.Empty(t, pub.windows)
}

func TestFeatureWriter_PublishFailureIsBestEffort(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	bad := &recordingPublisher{name: "bad", err: errors.New("broker down")}
	good := &recordingPublisher{name: "good"}
	fw := NewFeatureWriter(memory.NewFeatureStore(), WriterConfig{
		Retry:      fastRetry,
		Publishers: []Publisher{bad, good},
		Metrics:    m,
	})

	require.NoError(t, fw.Emit(context.Background(), testWindow(0)))
	assert.Len(t, good.windows, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("bad")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("good")))

	require.NoError(t, fw.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_KeyAndPayload(t *testing.T) {
	fake := &fakeKafkaWriter{}
	sent := time.Date(2024, 1, 1, 0, 1, 6, 0, time.UTC)
	p := &KafkaPublisher{writer: fake, now: func() time.Time { return sent }}

	w := testWindow(0)
	require.NoError(t, p.Publish(context.Background(), w))
	require.Len(t, fake.msgs, 1)

	msg := fake.msgs[0]
	assert.Equal(t, "binance_perps|btcusdt", string(msg.Key))
	assert.Equal(t, sent, msg.Time)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, idhash.ComputeFeatureWindowID(w.Venue, w.Symbol, w.WindowStart).String(), decoded["id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", decoded["ts"])
	assert.Equal(t, 1.25, decoded["spread_bps"])
	assert.Equal(t, 2.0, decoded["depth_10bps_bid"])
	assert.Nil(t, decoded["imbalance"])
	assert.Equal(t, float64(42), decoded["sample_count"])
	assert.Equal(t, false, decoded["partial"])

	require.NoError(t, p.Close())
	assert.True(t, fake.closed)
}

func TestWindowMessage_Window(t *testing.T) {
	w := testWindow(3)
	w.Partial = true
	w.ClockSkew = true

	got, err := NewWindowMessage(w).Window()
	require.NoError(t, err)
	assert.Equal(t, w, got)

	_, err = WindowMessage{TS: "yesterday"}.Window()
	assert.Error(t, err)
}
