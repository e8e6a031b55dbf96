// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package outbox

import "time"

// DefaultMaxRetries is the retry budget before a record is terminally failed.
const DefaultMaxRetries = 5

// BackoffDecision is the scheduler's answer for a given retry count.
type BackoffDecision struct {
	Delay    time.Duration
	Terminal bool
}

// BackoffScheduler maps a retry count to the next attempt delay and the
// terminal-failure decision. It is a pure function of its inputs: no clock,
// no jitter, so the schedule is unit-testable deterministically.
type BackoffScheduler struct {
	Base       time.Duration // delay unit, doubled per retry
	MaxRetries int
}

// DefaultBackoff returns the production schedule: 60s * 2^retryCount,
// terminal once the retry count reaches 5.
func DefaultBackoff() BackoffScheduler {
	return BackoffScheduler{Base: 60 * time.Second, MaxRetries: DefaultMaxRetries}
}

// NextAttempt computes the decision for a record that has now failed
// retryCount times. The delay grows exponentially from Base; Terminal is set
// once the retry budget is exhausted. The delay is still reported for
// terminal decisions, callers ignore it.
func (b BackoffScheduler) NextAttempt(retryCount int) BackoffDecision {
	shift := uint(retryCount)
	if shift > 30 { // keep the duration arithmetic sane
		shift = 30
	}
	return BackoffDecision{
		Delay:    b.Base << shift,
		Terminal: retryCount >= b.MaxRetries,
	}
}
