package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduper decides whether an alert for (user, action type, tier) is the first one of
// the violation episode that began with the window starting at windowStart. A new
// window is a new episode, so the same tier may alert again.
type Deduper interface {
	FirstAlert(ctx context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error)
}

// LocalDeduper remembers sent alerts in a bounded, expiring in-process cache. Entries
// expire after the longest quota window, by which time their window has ended.
// Deduplication only holds within one process.
type LocalDeduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewLocalDeduper creates a LocalDeduper holding at most size entries for ttl
func NewLocalDeduper(size int, ttl time.Duration) *LocalDeduper {
	if size <= 0 {
		size = 10000
	}
	return &LocalDeduper{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// FirstAlert implements Deduper
func (d *LocalDeduper) FirstAlert(_ context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error) {
	key := windowKey(userID, actionType) + "\x00" + string(tier) + "\x00" + strconv.FormatInt(windowStart.UnixNano(), 10)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(key) {
		return false, nil
	}
	d.cache.Add(key, struct{}{})
	return true, nil
}

// Forget drops every remembered alert for a user and action type, so the episode
// that follows an administrative reset can alert again.
func (d *LocalDeduper) Forget(userID, actionType string) {
	prefix := windowKey(userID, actionType) + "\x00"

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range d.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			d.cache.Remove(key)
		}
	}
}

// StoreDeduper records sent alerts next to the window in a shared store, so
// deduplication holds across instances.
type StoreDeduper struct {
	marker AlertMarker
}

// NewStoreDeduper creates a StoreDeduper over marker
func NewStoreDeduper(marker AlertMarker) *StoreDeduper {
	return &StoreDeduper{marker: marker}
}

// FirstAlert implements Deduper
func (d *StoreDeduper) FirstAlert(ctx context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error) {
	return d.marker.MarkAlerted(ctx, userID, actionType, windowStart, tier)
}
