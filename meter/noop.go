package meter

import "github.com/ineyio/keymeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ keymeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnEvaluate(keymeter.EvaluateEvent) {}
func (m *NoopMeter) OnConsume(keymeter.ConsumeEvent)   {}

// Multi fans events out to several meters in order.
type Multi []keymeter.Meter

var _ keymeter.Meter = (Multi)(nil)

func (m Multi) OnEvaluate(e keymeter.EvaluateEvent) {
	for _, mm := range m {
		mm.OnEvaluate(e)
	}
}

func (m Multi) OnConsume(e keymeter.ConsumeEvent) {
	for _, mm := range m {
		mm.OnConsume(e)
	}
}
