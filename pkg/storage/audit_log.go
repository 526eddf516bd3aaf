package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/translator"
)

// Kind names one audit log
type Kind string

const (
	KindTranslations Kind = "translations"
	KindFailures     Kind = "failures"
	KindMetrics      Kind = "metrics"
)

// Record is one line of an audit log
type Record struct {
	Time    time.Time       `json:"time"`
	Kind    Kind            `json:"kind"`
	Event   events.Type     `json:"event,omitempty"`
	OrderID string          `json:"order_id"`
	VenueID string          `json:"venue_id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Config holds audit log settings
type Config struct {
	Dir           string        `mapstructure:"dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BufferSize    int           `mapstructure:"buffer_size"`
	RetentionDays int           `mapstructure:"retention_days"`
	CompressDays  int           `mapstructure:"compress_days"`
}

// DefaultConfig returns the audit defaults
func DefaultConfig() Config {
	return Config{
		Dir:           "data/audit",
		FlushInterval: 5 * time.Second,
		BufferSize:    1000,
		RetentionDays: 30,
		CompressDays:  7,
	}
}

// AuditLog appends translations, failure records and finalized metrics to
// daily JSON Lines files, one per kind and venue
type AuditLog struct {
	dataDir    string
	bufferSize int
	mu         sync.RWMutex
	buffers    map[string]*Buffer
	now        func() time.Time
	logger     *logrus.Entry

	flushTicker *time.Ticker
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

type Buffer struct {
	data []Record
	mu   sync.Mutex
}

// NewAuditLog creates the log directory and starts the background flush
func NewAuditLog(config Config, logger *logrus.Entry) (*AuditLog, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	def := DefaultConfig()
	if config.Dir == "" {
		config.Dir = def.Dir
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}

	if err := os.MkdirAll(filepath.Join(config.Dir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", config.Dir, err)
	}

	a := &AuditLog{
		dataDir:     config.Dir,
		bufferSize:  config.BufferSize,
		buffers:     make(map[string]*Buffer),
		now:         time.Now,
		logger:      logger.WithField("component", "audit"),
		flushTicker: time.NewTicker(config.FlushInterval),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	go a.backgroundFlush()

	return a, nil
}

// RecordTranslation logs a translation attempt
func (a *AuditLog) RecordTranslation(t *translator.TranslatedOrder) error {
	return a.append(KindTranslations, "", t.OrderID, t.VenueID, t)
}

// RecordMetric logs a finalized execution metric
func (a *AuditLog) RecordMetric(m tracker.ExecutionMetric) error {
	return a.append(KindMetrics, "", m.OrderID, m.VenueID, m)
}

// Handle logs failure record events; other events are ignored
func (a *AuditLog) Handle(_ context.Context, e events.Event) error {
	switch e.Type {
	case events.FailureRecorded, events.FailureUpdated, events.FailureArchived:
		return a.append(KindFailures, e.Type, e.OrderID, e.VenueID, e.Payload)
	}
	return nil
}

// Flush writes every buffered record
func (a *AuditLog) Flush() error {
	var firstErr error
	for _, key := range a.keys() {
		if err := a.flushBuffer(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops the background flush and writes what is buffered
func (a *AuditLog) Close() error {
	a.closeOnce.Do(func() {
		a.flushTicker.Stop()
		close(a.stop)
		<-a.done
	})
	return a.Flush()
}

// Trail flushes pending records and reads back the history of an order
func (a *AuditLog) Trail(date time.Time, orderID string) (Trail, error) {
	if err := a.Flush(); err != nil {
		return Trail{}, err
	}
	return NewLogReader(a.dataDir).Trail(date, orderID)
}

// Helper methods

func (a *AuditLog) append(kind Kind, event events.Type, orderID, venueID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	now := a.now()
	rec := Record{
		Time:    now,
		Kind:    kind,
		Event:   event,
		OrderID: orderID,
		VenueID: venueID,
		Data:    data,
	}

	bufferKey := logPath(a.dataDir, now, kind, venueID)
	a.mu.Lock()
	buffer, exists := a.buffers[bufferKey]
	if !exists {
		buffer = &Buffer{data: make([]Record, 0, a.bufferSize)}
		a.buffers[bufferKey] = buffer
	}
	a.mu.Unlock()

	buffer.mu.Lock()
	buffer.data = append(buffer.data, rec)
	shouldFlush := len(buffer.data) >= a.bufferSize
	buffer.mu.Unlock()

	if shouldFlush {
		return a.flushBuffer(bufferKey)
	}
	return nil
}

func (a *AuditLog) backgroundFlush() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case <-a.flushTicker.C:
			if err := a.Flush(); err != nil {
				a.logger.WithError(err).Error("Audit flush failed")
			}
			a.dropIdle()
		}
	}
}

func (a *AuditLog) keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.buffers))
	for k := range a.buffers {
		keys = append(keys, k)
	}
	return keys
}

// dropIdle forgets empty buffers of past days
func (a *AuditLog) dropIdle() {
	today := filepath.Join(a.dataDir, "logs", a.now().Format("2006/01/02"))
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, b := range a.buffers {
		if strings.HasPrefix(k, today) {
			continue
		}
		b.mu.Lock()
		empty := len(b.data) == 0
		b.mu.Unlock()
		if empty {
			delete(a.buffers, k)
		}
	}
}

func (a *AuditLog) flushBuffer(bufferKey string) error {
	a.mu.RLock()
	buffer, exists := a.buffers[bufferKey]
	a.mu.RUnlock()

	if !exists {
		return nil
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	if len(buffer.data) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(bufferKey), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(bufferKey, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, item := range buffer.data {
		if err := encoder.Encode(item); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}
	buffer.data = buffer.data[:0]

	return nil
}

func logPath(dataDir string, day time.Time, kind Kind, venueID string) string {
	if venueID == "" {
		venueID = "none"
	}
	return filepath.Join(dataDir, "logs", day.Format("2006/01/02"),
		fmt.Sprintf("%s_%s.jsonl", kind, venueID))
}
