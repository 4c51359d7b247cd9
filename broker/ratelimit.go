package broker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/givebridge/realtime/store"
)

const rateLimitKeyPrefix = "ratelimit:"

// Policy caps inbound events per (identity, event) pair over a fixed
// window. Windows are fixed, not sliding: a burst straddling a window
// boundary may briefly exceed the nominal rate.
type Policy struct {
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// RateLimiter enforces per-identity event caps with counters in the shared
// store, so limits hold across process instances. When the store is
// unreachable the limiter fails open: local event handling is never blocked
// on replication.
type RateLimiter struct {
	storageMu sync.RWMutex
	storage   store.Storage

	// now is swapped in tests to step across window boundaries.
	now func() time.Time
}

// NewRateLimiter creates a rate limiter backed by the given store.
func NewRateLimiter(storage store.Storage) *RateLimiter {
	return &RateLimiter{
		storage: storage,
		now:     time.Now,
	}
}

func (l *RateLimiter) getStorage() store.Storage {
	l.storageMu.RLock()
	defer l.storageMu.RUnlock()
	return l.storage
}

func (l *RateLimiter) setStorage(s store.Storage) {
	l.storageMu.Lock()
	l.storage = s
	l.storageMu.Unlock()
}

// Allow checks and increments the counter for one inbound event. The
// current window index is the wall clock divided by the window size; the
// counter key carries a TTL of one window so expired buckets vanish on
// their own.
func (l *RateLimiter) Allow(identityID, event string, p Policy) bool {
	if p.MaxRequests <= 0 || p.Window <= 0 {
		return true
	}

	window := l.now().UnixMilli() / p.Window.Milliseconds()
	key := fmt.Sprintf("%s%s:%s:%d", rateLimitKeyPrefix, identityID, event, window)

	count, err := l.getStorage().Increment(key, p.Window)
	if err != nil {
		log.Printf("ratelimit: counter increment failed for %s/%s, allowing: %v", identityID, event, err)
		return true
	}
	return count <= int64(p.MaxRequests)
}
