package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// submitRPS and submitBurst bound how fast a single caller can create
// queries. Status polls and result fetches are not limited.
const (
	submitRPS   = 2.0
	submitBurst = 10
)

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// submitRateLimit enforces a per-caller token bucket on query submission.
// Callers are keyed by the forwarded user id when present, otherwise by
// the peer address. X-Forwarded-For is ignored; it is spoofable.
func submitRateLimit(next http.Handler) http.Handler {
	var callers sync.Map

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			callers.Range(func(key, value any) bool {
				if time.Since(value.(*callerBucket).lastSeen) > 10*time.Minute {
					callers.Delete(key)
				}
				return true
			})
		}
	}()

	bucketFor := func(key string) *rate.Limiter {
		if v, ok := callers.Load(key); ok {
			b := v.(*callerBucket)
			b.lastSeen = time.Now()
			return b.limiter
		}
		l := rate.NewLimiter(rate.Limit(submitRPS), submitBurst)
		callers.Store(key, &callerBucket{limiter: l, lastSeen: time.Now()})
		return l
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User-Id")
		if key == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}
		}

		res := bucketFor(key).Reserve()
		if delay := res.Delay(); !res.OK() || delay > 0 {
			if res.OK() {
				res.Cancel()
			}
			if delay > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    http.StatusTooManyRequests,
				"message": "submission rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
