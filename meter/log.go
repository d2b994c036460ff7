package meter

import (
	"log/slog"

	"github.com/ineyio/keymeter"
)

// LogMeter logs quota decisions using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keymeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnEvaluate(e keymeter.EvaluateEvent) {
	if e.Error != nil {
		m.Logger.Error("evaluate_error",
			"key", keymeter.MaskKey(e.Key),
			"client", e.ClientID,
			"error", e.Error,
		)
		return
	}
	m.Logger.Debug("evaluate",
		"key", keymeter.MaskKey(e.Key),
		"client", e.ClientID,
		"allowed", e.Allowed,
		"reason", string(e.Reason),
		"limit", e.Limit,
		"used", e.Used,
		"reset", e.Reset,
	)
}

func (m *LogMeter) OnConsume(e keymeter.ConsumeEvent) {
	switch {
	case e.Error != nil:
		m.Logger.Error("consume_error",
			"key", keymeter.MaskKey(e.Key),
			"client", e.ClientID,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	case e.Allowed:
		m.Logger.Info("consume",
			"key", keymeter.MaskKey(e.Key),
			"client", e.ClientID,
			"limit", e.Limit,
			"remaining", e.Remaining,
			"reset", e.Reset,
			"duration_ms", e.Duration.Milliseconds(),
		)
	default:
		m.Logger.Warn("consume_denied",
			"key", keymeter.MaskKey(e.Key),
			"client", e.ClientID,
			"reason", string(e.Reason),
			"limit", e.Limit,
		)
	}
}
