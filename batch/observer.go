package batch

import "time"

// Observer receives dispatcher events. internal/metrics implements it with
// Prometheus instruments.
type Observer interface {
	// EngineCallStarted and EngineCallFinished bracket every Evaluate call
	EngineCallStarted()
	EngineCallFinished()

	// EngineBuilt is called each time an Evaluator is constructed
	EngineBuilt(mode Mode)

	// BatchFinished is called once per batch with its final counts
	BatchFinished(mode Mode, summary Summary, timedOut int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) EngineCallStarted() {}
func (nopObserver) EngineCallFinished() {}
func (nopObserver) EngineBuilt(Mode) {}

func (nopObserver) BatchFinished(Mode, Summary, int, time.Duration) {}
