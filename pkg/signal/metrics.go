package signal

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for signal lifecycle operations.
type MetricsRecorder interface {
	RecordSignalEmitted(dispatcher string)
	RecordSignalInterrupted(dispatcher string)
	RecordSignalCompleted(dispatcher string, outcome string)
	RecordConsumerDecision(owner string, decision string)
	RecordHandlerDuration(owner string, outcome string, duration time.Duration)
	AddHandlersInFlight(owner string, delta float64)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordSignalEmitted(dispatcher string)                        {}
func (n *nopMetrics) RecordSignalInterrupted(dispatcher string)                    {}
func (n *nopMetrics) RecordSignalCompleted(dispatcher string, outcome string)      {}
func (n *nopMetrics) RecordConsumerDecision(owner string, decision string)         {}
func (n *nopMetrics) RecordHandlerDuration(owner, outcome string, d time.Duration) {}
func (n *nopMetrics) AddHandlersInFlight(owner string, delta float64)              {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level signal metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = &nopMetrics{}
		return
	}
	metrics = recorder
}

func metricsRecorder() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if metrics == nil {
		return &nopMetrics{}
	}
	return metrics
}

// Outcome labels.
const (
	outcomeSuccess     = "success"
	outcomeInterrupted = "interrupted"
	outcomeFailed      = "failed"
	outcomeContinued   = "continued"
	outcomeProcessing  = "processing"
	outcomeDiscarded   = "discarded"
	outcomeCancelled   = "cancelled"
)

// Consumer decision labels.
const (
	decisionEmpty      = "empty"
	decisionDuplicate  = "duplicate"
	decisionFiltered   = "filtered"
	decisionProcessing = "already_processing"
	decisionCompleted  = "already_completed"
	decisionSuperseded = "superseded"
	decisionClaimed    = "claimed"
)

func completionOutcome(status Status) string {
	switch {
	case !status.IsCompleted():
		if status.IsProcessing() {
			return outcomeProcessing
		}
		return outcomeContinued
	case status.Err() == nil:
		return outcomeSuccess
	case IsInterrupted(status.Err()):
		return outcomeInterrupted
	default:
		return outcomeFailed
	}
}
