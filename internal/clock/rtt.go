package clock

import "time"

// initialRTO is the retransmission timeout before any RTT sample has been
// observed.
const initialRTO = 5 * time.Second

// Estimator tracks smoothed RTT and its deviation, deriving the
// retransmission timeout per spec.md §4.2. It is not safe for concurrent
// use; callers serialize access the same way they serialize the rest of
// the sender's shared state.
type Estimator struct {
	rttEst time.Duration
	rttDev time.Duration
	rto    time.Duration
	inited bool
}

// NewEstimator returns an Estimator with the spec-mandated initial RTO of
// 5 seconds, before any sample has been observed.
func NewEstimator() *Estimator {
	return &Estimator{rto: initialRTO}
}

// Observe folds a new RTT sample into the estimator and returns the
// resulting RTO. Only samples from non-retransmitted packets should be
// passed here (Karn's rule) — callers must suppress samples derived from
// a sequence that was ever retransmitted.
func (e *Estimator) Observe(sample time.Duration) time.Duration {
	if !e.inited {
		e.rttEst = sample
		e.rttDev = 0
		e.rto = 2 * sample
		e.inited = true
		return e.rto
	}

	diff := sample - e.rttEst
	if diff < 0 {
		diff = -diff
	}
	e.rttDev = e.rttDev*3/4 + diff/4
	e.rttEst = e.rttEst*7/8 + sample/8
	e.rto = e.rttEst + 4*e.rttDev
	return e.rto
}

// RTO returns the current retransmission timeout without taking a new
// sample.
func (e *Estimator) RTO() time.Duration {
	return e.rto
}

// RTTEst returns the current smoothed RTT estimate (zero before the first
// sample).
func (e *Estimator) RTTEst() time.Duration {
	return e.rttEst
}

// RTTDev returns the current smoothed RTT deviation.
func (e *Estimator) RTTDev() time.Duration {
	return e.rttDev
}
