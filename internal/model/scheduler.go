package model

import (
	"fmt"
	"math"
)

// LRScheduler maps an epoch number (0-based) to a learning rate
type LRScheduler interface {
	LR(epoch int) float64
}

// Schedule names
const (
	ScheduleConstant    = "constant"
	ScheduleStep        = "step"
	ScheduleExponential = "exponential"
	ScheduleCosine      = "cosine"
)

// ScheduleConfig selects and parameterizes a schedule
type ScheduleConfig struct {
	Kind       string  `json:"kind"`
	BaseLR     float64 `json:"base_lr"`
	MinLR      float64 `json:"min_lr"`
	DecayRate  float64 `json:"decay_rate"`
	DecayEvery int     `json:"decay_every"`
	// Warmup and Total are in epochs and only used by the cosine schedule
	Warmup int `json:"warmup"`
	Total  int `json:"total"`
}

// NewLRScheduler builds the schedule named by cfg.Kind
func NewLRScheduler(cfg ScheduleConfig) (LRScheduler, error) {
	if cfg.BaseLR <= 0 {
		return nil, fmt.Errorf("base learning rate must be positive, got %v", cfg.BaseLR)
	}
	switch cfg.Kind {
	case ScheduleConstant, "":
		return ConstantLR(cfg.BaseLR), nil
	case ScheduleStep:
		if cfg.DecayEvery <= 0 {
			return nil, fmt.Errorf("step schedule needs decay_every > 0")
		}
		return &StepLRScheduler{BaseLR: cfg.BaseLR, DecayRate: cfg.DecayRate, DecayEvery: cfg.DecayEvery}, nil
	case ScheduleExponential:
		return &ExponentialLRScheduler{BaseLR: cfg.BaseLR, DecayRate: cfg.DecayRate}, nil
	case ScheduleCosine:
		if cfg.Total <= cfg.Warmup {
			return nil, fmt.Errorf("cosine schedule needs total > warmup")
		}
		return &CosineAnnealingScheduler{BaseLR: cfg.BaseLR, MinLR: cfg.MinLR, Warmup: cfg.Warmup, Total: cfg.Total}, nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", cfg.Kind)
	}
}

// ConstantLR never changes
type ConstantLR float64

func (c ConstantLR) LR(int) float64 { return float64(c) }

// StepLRScheduler multiplies the rate by DecayRate every DecayEvery epochs
type StepLRScheduler struct {
	BaseLR     float64
	DecayRate  float64
	DecayEvery int
}

func (s *StepLRScheduler) LR(epoch int) float64 {
	return s.BaseLR * math.Pow(s.DecayRate, float64(epoch/s.DecayEvery))
}

// ExponentialLRScheduler multiplies the rate by DecayRate every epoch
type ExponentialLRScheduler struct {
	BaseLR    float64
	DecayRate float64
}

func (s *ExponentialLRScheduler) LR(epoch int) float64 {
	return s.BaseLR * math.Pow(s.DecayRate, float64(epoch))
}

// CosineAnnealingScheduler warms up linearly, then anneals to MinLR
type CosineAnnealingScheduler struct {
	BaseLR float64
	MinLR  float64
	Warmup int
	Total  int
}

func (s *CosineAnnealingScheduler) LR(epoch int) float64 {
	if epoch < s.Warmup {
		return s.BaseLR * float64(epoch+1) / float64(s.Warmup)
	}
	progress := math.Min(1, float64(epoch-s.Warmup)/float64(s.Total-s.Warmup))
	cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return s.MinLR + (s.BaseLR-s.MinLR)*cosine
}
