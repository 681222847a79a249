package feedback

import (
	"sync"
	"time"
)

// PressureSample is the externally-supplied signal pair from spec.md
// §4.6.3: "memory usage and queue depth, externally supplied".
type PressureSample struct {
	MemoryUsedPct float64 // 0..100
	QueueDepth    int
}

// ScalingConfig bounds and calibrates the dynamic concurrency controller.
type ScalingConfig struct {
	MinLimit       int
	MaxLimit       int
	LowMemoryPct   float64       // scale-up allowed when MemoryUsedPct is below this
	HighMemoryPct  float64       // scale-down forced when MemoryUsedPct is at/above this
	LowQueueDepth  int           // scale-up allowed when QueueDepth is below this
	HighQueueDepth int           // scale-down forced when QueueDepth is at/above this
	Cooldown       time.Duration // minimum spacing between adjustments (hysteresis)
}

// DefaultScalingConfig offers conservative watermarks; callers tune these
// to their environment's actual resource ceilings.
func DefaultScalingConfig() ScalingConfig {
	return ScalingConfig{
		MinLimit:       1,
		MaxLimit:       8,
		LowMemoryPct:   50,
		HighMemoryPct:  85,
		LowQueueDepth:  2,
		HighQueueDepth: 10,
		Cooldown:       30 * time.Second,
	}
}

// ScaleEvent is published whenever the limit actually changes, for
// spec.md §4.7's ScaleUp/ScaleDown events.
type ScaleEvent struct {
	Kind     string // "scale_up" | "scale_down"
	OldLimit int
	NewLimit int
	At       time.Time
}

// ScalingController adjusts a concurrency limit in response to pressure
// samples, within [MinLimit, MaxLimit], with hysteresis: scale-up needs
// BOTH signals below their low watermark, scale-down needs EITHER signal at
// or above its high watermark, and no two adjustments may land within
// Cooldown of each other.
type ScalingController struct {
	mu           sync.Mutex
	cfg          ScalingConfig
	limit        int
	lastAdjusted time.Time
	onScale      func(ScaleEvent)
	now          func() time.Time
}

// NewScalingController starts the controller at initialLimit (clamped into
// [MinLimit, MaxLimit]). onScale may be nil.
func NewScalingController(cfg ScalingConfig, initialLimit int, onScale func(ScaleEvent)) *ScalingController {
	if cfg.MinLimit < 1 {
		cfg.MinLimit = 1
	}
	if cfg.MaxLimit < cfg.MinLimit {
		cfg.MaxLimit = cfg.MinLimit
	}
	if initialLimit < cfg.MinLimit {
		initialLimit = cfg.MinLimit
	}
	if initialLimit > cfg.MaxLimit {
		initialLimit = cfg.MaxLimit
	}
	return &ScalingController{
		cfg:     cfg,
		limit:   initialLimit,
		onScale: onScale,
		now:     time.Now,
	}
}

// Limit returns the current concurrency cap.
func (s *ScalingController) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Observe feeds a pressure sample and applies at most one adjustment,
// returning the (possibly unchanged) limit.
func (s *ScalingController) Observe(sample PressureSample) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastAdjusted.IsZero() && now.Sub(s.lastAdjusted) < s.cfg.Cooldown {
		return s.limit
	}

	scaleDown := sample.MemoryUsedPct >= s.cfg.HighMemoryPct || sample.QueueDepth >= s.cfg.HighQueueDepth
	scaleUp := !scaleDown && sample.MemoryUsedPct < s.cfg.LowMemoryPct && sample.QueueDepth < s.cfg.LowQueueDepth

	old := s.limit
	switch {
	case scaleDown && s.limit > s.cfg.MinLimit:
		s.limit--
		s.lastAdjusted = now
		s.emit(ScaleEvent{Kind: "scale_down", OldLimit: old, NewLimit: s.limit, At: now})
	case scaleUp && s.limit < s.cfg.MaxLimit:
		s.limit++
		s.lastAdjusted = now
		s.emit(ScaleEvent{Kind: "scale_up", OldLimit: old, NewLimit: s.limit, At: now})
	}

	return s.limit
}

func (s *ScalingController) emit(ev ScaleEvent) {
	if s.onScale != nil {
		s.onScale(ev)
	}
}
