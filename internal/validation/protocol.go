// Package validation runs temporal backtests of the yield model. One engine
// serves every protocol; the protocol only decides how years are split into folds.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"robusta-yield/internal/model"
)

// Protocol selects the fold layout of a backtest.
type Protocol int

const (
	// Holdout tests the last k years together, training on everything earlier.
	Holdout Protocol = iota + 1
	// WalkForward tests each of the last k years alone, training only on strictly earlier years.
	WalkForward
	// LeaveOneYearOut tests every year alone, training on all other years, later ones included.
	LeaveOneYearOut
)

// Protocols lists every protocol in reporting order.
var Protocols = []Protocol{Holdout, WalkForward, LeaveOneYearOut}

func (p Protocol) String() string {
	switch p {
	case Holdout:
		return "holdout"
	case WalkForward:
		return "walk-forward"
	case LeaveOneYearOut:
		return "loyo"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol accepts the String form and common spellings.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "holdout", "hold-out":
		return Holdout, nil
	case "walk-forward", "walk_forward", "walkforward", "backtest":
		return WalkForward, nil
	case "loyo", "leave-one-year-out", "leave_one_year_out":
		return LeaveOneYearOut, nil
	}
	return 0, fmt.Errorf("unknown validation protocol %q (want holdout, walk-forward or loyo)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	if p < Holdout || p > LeaveOneYearOut {
		return nil, fmt.Errorf("invalid protocol %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Config drives one backtest run.
type Config struct {
	Protocol Protocol
	// HoldoutYears is k for Holdout.
	HoldoutYears int
	// WalkForwardYears is k for WalkForward.
	WalkForwardYears int
	// MinTrainYears is the smallest training set a fold may use; smaller folds are skipped.
	MinTrainYears int
	// Workers bounds concurrent folds. Values below 1 mean one.
	Workers int
	Params  model.Params
}

// DefaultConfig returns the production settings for p.
func DefaultConfig(p Protocol) Config {
	return Config{
		Protocol:         p,
		HoldoutYears:     2,
		WalkForwardYears: 7,
		MinTrainYears:    3,
		Workers:          1,
		Params:           model.DefaultParams(),
	}
}

// Validate checks k values and the learner parameters.
func (c Config) Validate() error {
	if c.Protocol < Holdout || c.Protocol > LeaveOneYearOut {
		return fmt.Errorf("invalid protocol %d", int(c.Protocol))
	}
	if c.Protocol == Holdout && c.HoldoutYears < 1 {
		return fmt.Errorf("holdout years must be positive, got %d", c.HoldoutYears)
	}
	if c.Protocol == WalkForward && c.WalkForwardYears < 1 {
		return fmt.Errorf("walk-forward years must be positive, got %d", c.WalkForwardYears)
	}
	if c.MinTrainYears < 1 {
		return fmt.Errorf("minimum training years must be positive, got %d", c.MinTrainYears)
	}
	return c.Params.Validate()
}

// Fold is one planned train/test split.
type Fold struct {
	Index int   `json:"index"`
	Test  []int `json:"test_years"`
	Train []int `json:"train_years"`
}

// PlanFolds splits years into folds for cfg.Protocol. It is pure; years need not be sorted.
func PlanFolds(years []int, cfg Config) ([]Fold, error) {
	sorted := append([]int(nil), years...)
	sort.Ints(sorted)
	n := len(sorted)
	if n == 0 {
		return nil, nil
	}

	switch cfg.Protocol {
	case Holdout:
		if cfg.HoldoutYears < 1 {
			return nil, fmt.Errorf("holdout years must be positive, got %d", cfg.HoldoutYears)
		}
		cut := n - min(cfg.HoldoutYears, n)
		return []Fold{{
			Index: 0,
			Train: append([]int(nil), sorted[:cut]...),
			Test:  append([]int(nil), sorted[cut:]...),
		}}, nil

	case WalkForward:
		if cfg.WalkForwardYears < 1 {
			return nil, fmt.Errorf("walk-forward years must be positive, got %d", cfg.WalkForwardYears)
		}
		start := n - min(cfg.WalkForwardYears, n)
		folds := make([]Fold, 0, n-start)
		for i := start; i < n; i++ {
			folds = append(folds, Fold{
				Index: len(folds),
				Train: append([]int(nil), sorted[:i]...),
				Test:  []int{sorted[i]},
			})
		}
		return folds, nil

	case LeaveOneYearOut:
		folds := make([]Fold, n)
		for i := range sorted {
			train := make([]int, 0, n-1)
			train = append(train, sorted[:i]...)
			train = append(train, sorted[i+1:]...)
			folds[i] = Fold{Index: i, Train: train, Test: []int{sorted[i]}}
		}
		return folds, nil
	}
	return nil, fmt.Errorf("invalid protocol %d", int(cfg.Protocol))
}
