package storage

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/translator"
)

var day = time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)

func newAuditLog(t *testing.T, bufferSize int) *AuditLog {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.BufferSize = bufferSize
	cfg.FlushInterval = time.Hour
	a, err := NewAuditLog(cfg, nil)
	require.NoError(t, err)
	a.now = func() time.Time { return day }
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAuditLogWritesPerKindAndVenue(t *testing.T) {
	a := newAuditLog(t, 100)

	require.NoError(t, a.RecordTranslation(&translator.TranslatedOrder{
		OrderID: "ord-1",
		VenueID: "nse",
		Status:  translator.StatusCompleted,
	}))
	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "ord-1", VenueID: "nse", FilledQty: 10}))
	require.NoError(t, a.Handle(context.Background(), events.New(events.FailureRecorded, "ord-2", "bse", map[string]string{"error_type": "network"})))
	require.NoError(t, a.Handle(context.Background(), events.New(events.DecisionTransition, "ord-2", "bse", nil)))
	require.NoError(t, a.Flush())

	r := NewLogReader(a.dataDir)

	trs, err := r.Read(day, KindTranslations, "nse")
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "ord-1", trs[0].OrderID)
	var tr translator.TranslatedOrder
	require.NoError(t, json.Unmarshal(trs[0].Data, &tr))
	assert.Equal(t, translator.StatusCompleted, tr.Status)

	metrics, err := r.Read(day, KindMetrics, "nse")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	var m tracker.ExecutionMetric
	require.NoError(t, json.Unmarshal(metrics[0].Data, &m))
	assert.Equal(t, int64(10), m.FilledQty)

	failures, err := r.Read(day, KindFailures, "bse")
	require.NoError(t, err)
	require.Len(t, failures, 1, "non-failure events are not audited")
	assert.Equal(t, events.FailureRecorded, failures[0].Event)

	venues, err := r.Venues(day, KindTranslations)
	require.NoError(t, err)
	assert.Equal(t, []string{"nse"}, venues)

	dates, err := r.Dates(KindFailures)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.True(t, dates[0].Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)))
}

func TestAuditLogFlushesFullBuffers(t *testing.T) {
	a := newAuditLog(t, 2)
	path := logPath(a.dataDir, day, KindMetrics, "nse")

	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "a", VenueID: "nse"}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "b", VenueID: "nse"}))
	recs, err := NewLogReader(a.dataDir).Read(day, KindMetrics, "nse")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestAuditLogCloseFlushes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	a, err := NewAuditLog(cfg, nil)
	require.NoError(t, err)
	a.now = func() time.Time { return day }

	require.NoError(t, a.RecordTranslation(&translator.TranslatedOrder{OrderID: "x", VenueID: "nse"}))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	recs, err := NewLogReader(cfg.Dir).Read(day, KindTranslations, "nse")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestReadOrderAcrossVenues(t *testing.T) {
	a := newAuditLog(t, 100)
	require.NoError(t, a.RecordTranslation(&translator.TranslatedOrder{OrderID: "ord-1", VenueID: "nse"}))
	require.NoError(t, a.RecordTranslation(&translator.TranslatedOrder{OrderID: "ord-2", VenueID: "nse"}))
	require.NoError(t, a.RecordTranslation(&translator.TranslatedOrder{OrderID: "ord-1", VenueID: "bse"}))
	require.NoError(t, a.Flush())

	recs, err := NewLogReader(a.dataDir).ReadOrder(day, KindTranslations, "ord-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.ElementsMatch(t, []string{"nse", "bse"}, []string{recs[0].VenueID, recs[1].VenueID})
}

func TestTrailCollectsEveryKind(t *testing.T) {
	a := newAuditLog(t, 100)
	require.NoError(t, a.RecordTranslation(&translator.TranslatedOrder{OrderID: "ord-1", VenueID: "nse"}))
	require.NoError(t, a.Handle(context.Background(), events.New(events.FailureRecorded, "ord-1", "nse", nil)))
	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "ord-1", VenueID: "bse"}))
	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "ord-2", VenueID: "bse"}))

	trail, err := a.Trail(day, "ord-1")
	require.NoError(t, err, "unflushed records are read back")
	assert.Equal(t, "2024-03-14", trail.Date)
	assert.Len(t, trail.Translations, 1)
	assert.Len(t, trail.Failures, 1)
	require.Len(t, trail.Metrics, 1)
	assert.Equal(t, "bse", trail.Metrics[0].VenueID)

	empty, err := NewLogReader(a.dataDir).Trail(day.AddDate(0, 0, 1), "ord-1")
	require.NoError(t, err)
	assert.NotNil(t, empty.Translations)
	assert.Empty(t, empty.Translations)
	assert.Empty(t, empty.Metrics)
}

func TestReadDateRangeSkipsMissingDays(t *testing.T) {
	a := newAuditLog(t, 100)
	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "a", VenueID: "nse"}))
	a.now = func() time.Time { return day.AddDate(0, 0, 2) }
	require.NoError(t, a.RecordMetric(tracker.ExecutionMetric{OrderID: "b", VenueID: "nse"}))
	require.NoError(t, a.Flush())

	recs, err := NewLogReader(a.dataDir).ReadDateRange(day, day.AddDate(0, 0, 3), KindMetrics, "nse")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].OrderID)
	assert.Equal(t, "b", recs[1].OrderID)
}

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, age time.Duration) string {
		path := filepath.Join(dir, "logs", "2024", "01", "01", name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(`{"kind":"metrics"}`+"\n"), 0644))
		mt := now.Add(-age)
		require.NoError(t, os.Chtimes(path, mt, mt))
		return path
	}

	fresh := write("metrics_a.jsonl", time.Hour)
	aging := write("metrics_b.jsonl", 3*24*time.Hour)
	expired := write("metrics_c.jsonl", 10*24*time.Hour)
	expiredGz := write("metrics_d.jsonl.gz", 10*24*time.Hour)

	lr := NewLogRotator(Config{Dir: dir, RetentionDays: 7, CompressDays: 2}, nil)
	lr.now = func() time.Time { return now }
	require.NoError(t, lr.RotateLogs())

	assert.FileExists(t, fresh)
	assert.NoFileExists(t, aging)
	assert.NoFileExists(t, expired)
	assert.NoFileExists(t, expiredGz)

	f, err := os.Open(aging + ".gz")
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"metrics"}`+"\n", string(data))
}

func TestRotatorRunStopsWithContext(t *testing.T) {
	lr := NewLogRotator(Config{Dir: t.TempDir()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, lr.Run(ctx, time.Millisecond), context.Canceled)
}
