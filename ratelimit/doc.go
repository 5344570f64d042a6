// Package ratelimit limits events per key, such as heartbeats per sender IP.
//
// Each key gets its own token bucket (golang.org/x/time/rate):
//
//	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Config{
//	    Rate:  1,  // one heartbeat per second per IP, sustained
//	    Burst: 5,
//	})
//
//	if !limiter.Allow(ip) {
//	    return errors.RateLimited("too many heartbeats from " + ip)
//	}
//
// Keys idle for longer than Config.IdleTTL are evicted lazily, so a fleet
// that churns addresses does not grow the table without bound.
package ratelimit
