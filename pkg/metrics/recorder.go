// Package metrics provides metrics recording for Learning-Ops operations and a
// Prometheus query client used as an external cost source.
package metrics

import "time"

// Recorder defines the interface for recording Learning-Ops metrics.
type Recorder interface {
	// ObserveCRL records a computed run loss.
	ObserveCRL(phase string, loss float64)

	// IncRouting counts a canary/shadow routing decision.
	IncRouting(doer, route string)

	// IncPromotion counts a policy lifecycle transition.
	IncPromotion(doer, toStatus string)

	// ObserveReplay records a finished replay by terminal status.
	ObserveReplay(status string, duration time.Duration)

	// AddCuratedSamples counts curator outcomes ("kept", "duplicate").
	AddCuratedSamples(outcome string, n int)

	// ObserveModelCall records one replay model invocation.
	ObserveModelCall(model, status string, cost float64, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveCRL(_ string, _ float64)                            {}
func (n *NoopRecorder) IncRouting(_, _ string)                                    {}
func (n *NoopRecorder) IncPromotion(_, _ string)                                  {}
func (n *NoopRecorder) ObserveReplay(_ string, _ time.Duration)                   {}
func (n *NoopRecorder) AddCuratedSamples(_ string, _ int)                         {}
func (n *NoopRecorder) ObserveModelCall(_, _ string, _ float64, _ time.Duration) {}
