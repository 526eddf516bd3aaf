package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSink writes events to a logrus logger
type LogSink struct {
	logger *logrus.Entry
}

func NewLogSink(logger *logrus.Entry) *LogSink {
	return &LogSink{logger: logger.WithField("component", "events")}
}

func (s *LogSink) Handle(_ context.Context, e Event) error {
	entry := s.logger.WithFields(logrus.Fields{
		"event":    e.Type,
		"event_id": e.ID,
		"order_id": e.OrderID,
		"venue":    e.VenueID,
	})
	switch e.Type {
	case FailureRecorded, FailureUpdated:
		entry.Warn("Execution failure")
	case DecisionTransition, AlgoTerminated, MetricFinalized, FailureArchived:
		entry.Info("Order event")
	default:
		entry.Debug("Order event")
	}
	return nil
}
