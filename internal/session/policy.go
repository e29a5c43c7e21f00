package session

import "time"

// ReconnectPolicy bounds automatic reconnection after an unexpected link loss.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Decision is the outcome of consulting a ReconnectPolicy.
type Decision struct {
	Authorized bool
	Attempt    int
	Delay      time.Duration
}

// Decide authorizes reconnect attempt number attempt (1-based) while it is
// within MaxAttempts and auto-reconnect is enabled. The delay doubles with
// each attempt starting at BaseDelay and is capped at MaxDelay.
func (p ReconnectPolicy) Decide(attempt int, enabled bool) Decision {
	if !enabled || attempt < 1 || attempt > p.MaxAttempts {
		return Decision{Attempt: attempt}
	}
	return Decision{Authorized: true, Attempt: attempt, Delay: p.backoff(attempt)}
}

func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
