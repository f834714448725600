package metrics

import "time"

// ResultLabel enumerates operation result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailure ResultLabel = "failure"
	ResultSkipped ResultLabel = "skipped"
)

// Result maps an error to a ResultLabel.
func Result(err error) ResultLabel {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// DeliveryOutcome enumerates what a consumer did with a delivery.
type DeliveryOutcome string

const (
	DeliveryAcked        DeliveryOutcome = "acked"
	DeliveryReleased     DeliveryOutcome = "released"
	DeliveryDeadLettered DeliveryOutcome = "dead_lettered"
)

// Recorder defines observability hooks for the pipeline. All methods must be safe to call on
// the NoopRecorder so components can take an optional recorder.
type Recorder interface {
	IncIngested(eventType, source string, result ResultLabel)
	IncPublished(destination string, result ResultLabel)
	ObserveProcessingDuration(d time.Duration, result ResultLabel)
	IncDelivery(queue string, outcome DeliveryOutcome)
	IncConfirmation(status string, result ResultLabel)
	IncNotification(channel string, result ResultLabel)
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
	SetStaleRecords(n int)
	SetOutboxPending(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncIngested(string, string, ResultLabel)               {}
func (NoopRecorder) IncPublished(string, ResultLabel)                      {}
func (NoopRecorder) ObserveProcessingDuration(time.Duration, ResultLabel)  {}
func (NoopRecorder) IncDelivery(string, DeliveryOutcome)                   {}
func (NoopRecorder) IncConfirmation(string, ResultLabel)                   {}
func (NoopRecorder) IncNotification(string, ResultLabel)                   {}
func (NoopRecorder) ObserveHTTPRequest(string, string, int, time.Duration) {}
func (NoopRecorder) SetStaleRecords(int)                                   {}
func (NoopRecorder) SetOutboxPending(int)                                  {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
