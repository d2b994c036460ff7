package keymeter

import "time"

// Meter observes quota decisions for monitoring/logging.
type Meter interface {
	// OnEvaluate is called after every status evaluation.
	OnEvaluate(event EvaluateEvent)

	// OnConsume is called after every consumption attempt.
	OnConsume(event ConsumeEvent)
}

// EvaluateEvent describes a status evaluation.
type EvaluateEvent struct {
	Key      string
	ClientID string
	Allowed  bool
	Reason   Reason
	Limit    int64
	Used     int64
	Reset    bool // the rolling window elapsed and the counter was reset
	Error    error
}

// ConsumeEvent describes a consumption attempt.
type ConsumeEvent struct {
	Key       string
	ClientID  string
	Allowed   bool
	Reason    Reason
	Limit     int64
	Remaining int64
	Reset     bool
	Duration  time.Duration
	Error     error
}
