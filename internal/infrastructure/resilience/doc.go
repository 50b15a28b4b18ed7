/*
Package resilience keeps one misbehaving peer from degrading everyone else.

# Overview

Breaker counts failed requests in a sliding window and opens for good once
a window holds too many. Guard pairs a Breaker with a token bucket
(golang.org/x/time/rate) and is what the broker attaches to every slave:
requests over the rate limit and malformed requests both count as
failures, and once a slave has used up its failure budget the guard trips
and the broker drops the slave.

# Usage

	guard := resilience.NewGuard("slave_01J...", resilience.GuardConfig{
		RequestsPerSecond: 200,
		Burst:             400,
		MaxFailures:       5,
		OnTrip: func(name string) {
			logger.Warn("peer tripped its guard", zap.String("slave", name))
		},
	})

	err := guard.Do(func() error {
		return handle(request)
	})
	if guard.Tripped() {
		// disconnect the peer
	}

# States

	Closed --[MaxFailures within Window]-> Open

An open breaker never closes. There is nothing to retry against: the peer
is disconnected and its guard discarded.
*/
package resilience
