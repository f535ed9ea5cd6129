// SPDX-License-Identifier: MIT

// Package ratelimit throttles outbound inference calls per resource
// class so a burst of CPU-cheap tasks cannot starve the GPU queue and
// the inference service is never flooded past its configured rate.
package ratelimit

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

var (
	throttledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrep",
			Name:      "ratelimit_throttled_total",
			Help:      "Inference calls delayed or rejected by rate limits",
		},
		[]string{"scope", "class"},
	)
)

// Config holds inference rate limiting configuration.
type Config struct {
	// Global limits across all classes
	GlobalRate  rate.Limit // requests per second
	GlobalBurst int

	// Per-class limits
	ClassRates map[taskgraph.ResourceClass]rate.Limit
	ClassBurst map[taskgraph.ResourceClass]int
}

// DefaultConfig returns the stock limits: GPU classes get the tight
// bucket, CPU classes a looser one.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  20,
		GlobalBurst: 40,

		ClassRates: map[taskgraph.ResourceClass]rate.Limit{
			taskgraph.ResourceCPU: 10,
			taskgraph.ResourceGPU: 2,
		},
		ClassBurst: map[taskgraph.ResourceClass]int{
			taskgraph.ResourceCPU: 20,
			taskgraph.ResourceGPU: 4,
		},
	}
}

// PerClass rate limits callers by resource class plus a global bucket.
type PerClass struct {
	config Config

	global   *rate.Limiter
	perClass map[taskgraph.ResourceClass]*rate.Limiter
	mu       sync.RWMutex
}

// NewPerClass creates a limiter with the given config.
func NewPerClass(config Config) *PerClass {
	l := &PerClass{
		config:   config,
		global:   rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perClass: make(map[taskgraph.ResourceClass]*rate.Limiter),
	}

	for class, classRate := range config.ClassRates {
		burst := config.ClassBurst[class]
		l.perClass[class] = rate.NewLimiter(classRate, burst)
	}

	return l
}

// Allow reports whether one call may proceed right now.
func (l *PerClass) Allow(class taskgraph.ResourceClass) bool {
	if !l.global.Allow() {
		throttledTotal.WithLabelValues("global", string(class)).Inc()
		return false
	}

	limiter := l.classLimiter(class)
	if limiter != nil && !limiter.Allow() {
		throttledTotal.WithLabelValues("class", string(class)).Inc()
		return false
	}

	return true
}

// Wait blocks until the call may proceed or the context is done.
func (l *PerClass) Wait(ctx context.Context, class taskgraph.ResourceClass) error {
	if l.global.Tokens() < 1 {
		throttledTotal.WithLabelValues("global", string(class)).Inc()
	}
	if err := l.global.Wait(ctx); err != nil {
		return err
	}

	limiter := l.classLimiter(class)
	if limiter == nil {
		return nil
	}
	if limiter.Tokens() < 1 {
		throttledTotal.WithLabelValues("class", string(class)).Inc()
	}
	return limiter.Wait(ctx)
}

func (l *PerClass) classLimiter(class taskgraph.ResourceClass) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perClass[class]
}
