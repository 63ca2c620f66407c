package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type opMetrics struct {
	logger     *log.Logger
	start      time.Time
	event      string
	roomID     string
	errorStage string
}

func newOpMetrics(logger *log.Logger, event, roomID string) *opMetrics {
	return &opMetrics{logger: logger, start: time.Now(), event: event, roomID: roomID}
}

func (m *opMetrics) Fail(stage string) {
	m.errorStage = stage
	m.log()
}

func (m *opMetrics) Done() {
	m.log()
}

func (m *opMetrics) log() {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"event":    m.event,
		"room":     m.roomID,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	m.logger.WithFields(fields).Info("board.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
