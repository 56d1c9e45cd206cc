// Package model holds the yield regressor: a second-order gradient-boosted
// tree ensemble, the per-fit feature scaler and the trained estimator that
// binds both to an ordered feature list.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Params are the booster hyper-parameters. Names follow the XGBoost convention.
type Params struct {
	NEstimators     int     `json:"n_estimators" mapstructure:"n_estimators"`
	LearningRate    float64 `json:"learning_rate" mapstructure:"learning_rate"`
	MaxDepth        int     `json:"max_depth" mapstructure:"max_depth"`
	MinChildWeight  float64 `json:"min_child_weight" mapstructure:"min_child_weight"`
	Lambda          float64 `json:"reg_lambda" mapstructure:"reg_lambda"`
	Gamma           float64 `json:"gamma" mapstructure:"gamma"`
	Subsample       float64 `json:"subsample" mapstructure:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree" mapstructure:"colsample_bytree"`
	Seed            uint64  `json:"seed" mapstructure:"seed"`
}

// DefaultParams returns the production hyper-parameters.
func DefaultParams() Params {
	return Params{
		NEstimators:     500,
		LearningRate:    0.05,
		MaxDepth:        4,
		MinChildWeight:  1,
		Lambda:          1,
		Gamma:           0,
		Subsample:       0.8,
		ColsampleByTree: 0.8,
		Seed:            42,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.NEstimators < 1:
		return fmt.Errorf("n_estimators must be positive, got %d", p.NEstimators)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return fmt.Errorf("learning_rate must be in (0, 1], got %v", p.LearningRate)
	case p.MaxDepth < 1:
		return fmt.Errorf("max_depth must be positive, got %d", p.MaxDepth)
	case p.MinChildWeight < 0:
		return fmt.Errorf("min_child_weight must not be negative, got %v", p.MinChildWeight)
	case p.Lambda < 0:
		return fmt.Errorf("reg_lambda must not be negative, got %v", p.Lambda)
	case p.Gamma < 0:
		return fmt.Errorf("gamma must not be negative, got %v", p.Gamma)
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("subsample must be in (0, 1], got %v", p.Subsample)
	case p.ColsampleByTree <= 0 || p.ColsampleByTree > 1:
		return fmt.Errorf("colsample_bytree must be in (0, 1], got %v", p.ColsampleByTree)
	}
	return nil
}

// Regressor is a fit-once numeric regression model.
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	Predict(X [][]float64) ([]float64, error)
	// FeatureImportance returns one normalized weight per input column, or
	// false when the model has no importance to report.
	FeatureImportance() ([]float64, bool)
}

// ErrNotFitted is returned by Predict before Fit succeeded.
var ErrNotFitted = errors.New("model is not fitted")

// Node is one node of a flattened regression tree. Leaves have Feature -1.
type Node struct {
	Feature     int     `json:"feature"`
	Threshold   float64 `json:"threshold,omitempty"`
	Left        int     `json:"left,omitempty"`
	Right       int     `json:"right,omitempty"`
	DefaultLeft bool    `json:"default_left,omitempty"`
	Value       float64 `json:"value"`
}

// Tree is a regression tree stored as a node slice rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		v := x[n.Feature]
		switch {
		case math.IsNaN(v):
			if n.DefaultLeft {
				i = n.Left
			} else {
				i = n.Right
			}
		case v < n.Threshold:
			i = n.Left
		default:
			i = n.Right
		}
	}
}

func (t *Tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= numFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, numFeatures)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

// GradientBoosting is a squared-error gradient-boosted tree ensemble with
// second-order split gain, L2 leaf regularization, row and column subsampling,
// and learned default directions for missing values.
type GradientBoosting struct {
	Params      Params    `json:"params"`
	BaseScore   float64   `json:"base_score"`
	NumFeatures int       `json:"num_features"`
	Trees       []Tree    `json:"trees"`
	Gain        []float64 `json:"gain"`
}

// NewGradientBoosting returns an unfitted booster.
func NewGradientBoosting(p Params) *GradientBoosting {
	return &GradientBoosting{Params: p}
}

// Fit trains the ensemble from scratch. Rows of X may contain NaN; y may not.
func (m *GradientBoosting) Fit(X [][]float64, y []float64) error {
	if err := m.Params.Validate(); err != nil {
		return err
	}
	numFeatures, err := checkShape(X, len(y))
	if err != nil {
		return err
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("target %d is not finite", i)
		}
	}

	n := len(y)
	base := 0.0
	for _, v := range y {
		base += v
	}
	base /= float64(n)

	m.BaseScore = base
	m.NumFeatures = numFeatures
	m.Trees = make([]Tree, 0, m.Params.NEstimators)
	m.Gain = make([]float64, numFeatures)

	rng := rand.New(rand.NewPCG(m.Params.Seed, m.Params.Seed))
	pred := make([]float64, n)
	for i := range pred {
		pred[i] = base
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	allRows := make([]int, n)
	for i := range allRows {
		allRows[i] = i
	}

	for t := 0; t < m.Params.NEstimators; t++ {
		for i := range grad {
			grad[i] = pred[i] - y[i]
			hess[i] = 1
		}

		rows := m.sampleRows(rng, allRows)
		cols := m.sampleColumns(rng, numFeatures)

		b := &treeBuilder{X: X, grad: grad, hess: hess, params: m.Params, features: cols, gain: m.Gain}
		b.build(rows, 0)
		tree := Tree{Nodes: b.nodes}
		m.Trees = append(m.Trees, tree)

		for i := range pred {
			pred[i] += tree.predict(X[i])
		}
	}
	return nil
}

func (m *GradientBoosting) sampleRows(rng *rand.Rand, all []int) []int {
	if m.Params.Subsample >= 1 {
		return all
	}
	rows := make([]int, 0, len(all))
	for _, i := range all {
		if rng.Float64() < m.Params.Subsample {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return all
	}
	return rows
}

func (m *GradientBoosting) sampleColumns(rng *rand.Rand, numFeatures int) []int {
	if m.Params.ColsampleByTree >= 1 {
		cols := make([]int, numFeatures)
		for i := range cols {
			cols[i] = i
		}
		return cols
	}
	k := int(m.Params.ColsampleByTree * float64(numFeatures))
	if k < 1 {
		k = 1
	}
	cols := rng.Perm(numFeatures)[:k]
	sort.Ints(cols)
	return cols
}

// Predict scores every row of X.
func (m *GradientBoosting) Predict(X [][]float64) ([]float64, error) {
	if m.Trees == nil {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != m.NumFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", i, len(row), m.NumFeatures)
		}
		v := m.BaseScore
		for t := range m.Trees {
			v += m.Trees[t].predict(row)
		}
		out[i] = v
	}
	return out, nil
}

// FeatureImportance returns total split gain per feature, normalized to sum to one.
// It reports false when no tree ever split.
func (m *GradientBoosting) FeatureImportance() ([]float64, bool) {
	total := 0.0
	for _, g := range m.Gain {
		total += g
	}
	if total <= 0 {
		return nil, false
	}
	out := make([]float64, len(m.Gain))
	for i, g := range m.Gain {
		out[i] = g / total
	}
	return out, true
}

func (m *GradientBoosting) validate() error {
	if m.NumFeatures < 1 {
		return errors.New("model has no features")
	}
	if len(m.Trees) == 0 {
		return ErrNotFitted
	}
	if len(m.Gain) != m.NumFeatures {
		return fmt.Errorf("gain has %d entries for %d features", len(m.Gain), m.NumFeatures)
	}
	for i := range m.Trees {
		if err := m.Trees[i].validate(m.NumFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

func checkShape(X [][]float64, n int) (int, error) {
	if len(X) == 0 {
		return 0, errors.New("no training rows")
	}
	if len(X) != n {
		return 0, fmt.Errorf("%d rows but %d targets", len(X), n)
	}
	numFeatures := len(X[0])
	if numFeatures == 0 {
		return 0, errors.New("no feature columns")
	}
	for i, row := range X {
		if len(row) != numFeatures {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), numFeatures)
		}
	}
	return numFeatures, nil
}

type treeBuilder struct {
	X        [][]float64
	grad     []float64
	hess     []float64
	params   Params
	features []int
	gain     []float64
	nodes    []Node
}

type split struct {
	feature     int
	threshold   float64
	defaultLeft bool
	gain        float64
}

func (b *treeBuilder) leafWeight(g, h float64) float64 {
	return -g / (h + b.params.Lambda) * b.params.LearningRate
}

func (b *treeBuilder) score(g, h float64) float64 {
	return g * g / (h + b.params.Lambda)
}

func (b *treeBuilder) build(rows []int, depth int) int {
	var G, H float64
	for _, r := range rows {
		G += b.grad[r]
		H += b.hess[r]
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Value: b.leafWeight(G, H)})
	if depth >= b.params.MaxDepth || len(rows) < 2 {
		return idx
	}

	best, ok := b.bestSplit(rows, G, H)
	if !ok {
		return idx
	}

	var left, right []int
	for _, r := range rows {
		v := b.X[r][best.feature]
		goLeft := v < best.threshold
		if math.IsNaN(v) {
			goLeft = best.defaultLeft
		}
		if goLeft {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	b.gain[best.feature] += best.gain
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx] = Node{
		Feature:     best.feature,
		Threshold:   best.threshold,
		Left:        l,
		Right:       r,
		DefaultLeft: best.defaultLeft,
		Value:       b.nodes[idx].Value,
	}
	return idx
}

type sortedValue struct {
	v   float64
	row int
}

// bestSplit runs the exact greedy search over the sampled features. For each
// candidate threshold both default directions for missing values are tried.
func (b *treeBuilder) bestSplit(rows []int, G, H float64) (split, bool) {
	var best split
	found := false
	parent := b.score(G, H)
	vals := make([]sortedValue, 0, len(rows))

	for _, f := range b.features {
		vals = vals[:0]
		var gMiss, hMiss float64
		for _, r := range rows {
			v := b.X[r][f]
			if math.IsNaN(v) {
				gMiss += b.grad[r]
				hMiss += b.hess[r]
				continue
			}
			vals = append(vals, sortedValue{v: v, row: r})
		}
		if len(vals) < 2 {
			continue
		}
		sort.Slice(vals, func(i, j int) bool {
			if vals[i].v != vals[j].v {
				return vals[i].v < vals[j].v
			}
			return vals[i].row < vals[j].row
		})

		var gl, hl float64
		for i := 0; i < len(vals)-1; i++ {
			gl += b.grad[vals[i].row]
			hl += b.hess[vals[i].row]
			if vals[i].v == vals[i+1].v {
				continue
			}
			threshold := vals[i].v + (vals[i+1].v-vals[i].v)/2
			if threshold <= vals[i].v {
				threshold = vals[i+1].v
			}

			for _, missLeft := range [2]bool{false, true} {
				GL, HL := gl, hl
				if missLeft {
					GL += gMiss
					HL += hMiss
				}
				GR, HR := G-GL, H-HL
				if HL < b.params.MinChildWeight || HR < b.params.MinChildWeight {
					continue
				}
				gain := 0.5*(b.score(GL, HL)+b.score(GR, HR)-parent) - b.params.Gamma
				if gain > 0 && (!found || gain > best.gain) {
					best = split{feature: f, threshold: threshold, defaultLeft: missLeft, gain: gain}
					found = true
				}
			}
		}
	}
	return best, found
}
