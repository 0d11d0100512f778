package shared

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Value is a single-writer observable value. Subscribers are called once per
// change, in the order they subscribed, while the writer is held.
type Value[T any] struct {
	mu          sync.RWMutex
	writeGuard  sync.Mutex
	value       T
	equal       func(a, b T) bool
	subscribers []func(T)
}

func NewValue[T any](initial T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{
		value: initial,
		equal: equal,
	}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set stores next and notifies subscribers. It reports false and does nothing
// when next equals the current value.
func (v *Value[T]) Set(next T) bool {
	v.writeGuard.Lock()
	defer v.writeGuard.Unlock()

	v.mu.Lock()
	if v.equal(v.value, next) {
		v.mu.Unlock()
		return false
	}
	v.value = next
	subscribers := make([]func(T), len(v.subscribers))
	copy(subscribers, v.subscribers)
	v.mu.Unlock()

	for _, notify := range subscribers {
		notify(next)
	}
	return true
}

func (v *Value[T]) Subscribe(notify func(T)) {
	v.mu.Lock()
	v.subscribers = append(v.subscribers, notify)
	v.mu.Unlock()
}

// NewConversionRate holds the rate that converts query fees into the staking
// token. One means no conversion.
func NewConversionRate() *Value[decimal.Decimal] {
	return NewValue(decimal.NewFromInt(1), func(a, b decimal.Decimal) bool {
		return a.Equal(b)
	})
}
