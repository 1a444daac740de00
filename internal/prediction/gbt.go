package prediction

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// GBTParams controls tree boosting.
type GBTParams struct {
	NumTrees       int     `json:"num_trees"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	LearningRate   float64 `json:"learning_rate"`
}

// DefaultGBTParams returns conservative boosting settings for small tabular data.
func DefaultGBTParams() GBTParams {
	return GBTParams{NumTrees: 60, MaxDepth: 3, MinSamplesLeaf: 3, LearningRate: 0.1}
}

type treeNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"v,omitempty"`
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
}

type regressionTree struct {
	Nodes []treeNode `json:"nodes"`
}

func (t *regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// GBT is a gradient-boosted ensemble of regression trees fitted on weighted
// squared error.
type GBT struct {
	FeatureNames []string         `json:"feature_names"`
	Base         float64          `json:"base"`
	LearningRate float64          `json:"learning_rate"`
	Trees        []regressionTree `json:"trees"`
	Gains        []float64        `json:"gains"`
}

var _ Regressor = (*GBT)(nil)

// Predict evaluates the ensemble.
func (g *GBT) Predict(_ context.Context, x []float64) (float64, error) {
	if g == nil {
		return 0, ErrModelUnavailable
	}
	if len(x) != len(g.FeatureNames) {
		return 0, fmt.Errorf("feature vector has %d values, model expects %d", len(x), len(g.FeatureNames))
	}
	out := g.Base
	for i := range g.Trees {
		out += g.LearningRate * g.Trees[i].predict(x)
	}
	return out, nil
}

// FeatureImportance returns each feature's share of total split gain.
func (g *GBT) FeatureImportance() map[string]float64 {
	out := make(map[string]float64, len(g.FeatureNames))
	var total float64
	for _, v := range g.Gains {
		total += v
	}
	for i, name := range g.FeatureNames {
		if total > 0 && i < len(g.Gains) {
			out[name] = g.Gains[i] / total
		} else {
			out[name] = 0
		}
	}
	return out
}

// FitGBT fits an ensemble to X, y with per-row weights w.
func FitGBT(names []string, X [][]float64, y, w []float64, p GBTParams) (*GBT, error) {
	n := len(y)
	if n == 0 {
		return nil, ErrInsufficientData
	}
	if len(X) != n || len(w) != n {
		return nil, fmt.Errorf("mismatched training data: %d rows, %d targets, %d weights", len(X), n, len(w))
	}
	for i, row := range X {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), len(names))
		}
		if !(w[i] > 0) || math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return nil, fmt.Errorf("row %d has invalid target or weight", i)
		}
	}
	if p.NumTrees <= 0 || p.MaxDepth <= 0 || p.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid boosting params %+v", p)
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}

	var sw, swy float64
	for i := range y {
		sw += w[i]
		swy += w[i] * y[i]
	}
	g := &GBT{
		FeatureNames: append([]string(nil), names...),
		Base:         swy / sw,
		LearningRate: p.LearningRate,
		Gains:        make([]float64, len(names)),
	}

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = g.Base
	}
	resid := make([]float64, n)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	for t := 0; t < p.NumTrees; t++ {
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}
		b := &treeBuilder{X: X, r: resid, w: w, params: p, gains: g.Gains}
		b.build(append([]int(nil), all...), 0)
		tree := regressionTree{Nodes: b.nodes}
		for i := range pred {
			pred[i] += p.LearningRate * tree.predict(X[i])
		}
		g.Trees = append(g.Trees, tree)
	}
	return g, nil
}

type treeBuilder struct {
	X      [][]float64
	r      []float64
	w      []float64
	params GBTParams
	nodes  []treeNode
	gains  []float64
}

func (b *treeBuilder) leafValue(idx []int) float64 {
	var sw, swr float64
	for _, i := range idx {
		sw += b.w[i]
		swr += b.w[i] * b.r[i]
	}
	if sw == 0 {
		return 0
	}
	return swr / sw
}

// build appends the subtree for idx and returns its root index.
func (b *treeBuilder) build(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Leaf: true, Value: b.leafValue(idx)})

	minLeaf := b.params.MinSamplesLeaf
	if depth >= b.params.MaxDepth || len(idx) < 2*minLeaf {
		return self
	}

	var totalW, totalS float64
	for _, i := range idx {
		totalW += b.w[i]
		totalS += b.w[i] * b.r[i]
	}
	parentScore := totalS * totalS / totalW

	bestGain := 1e-12
	bestFeature := -1
	var bestThreshold float64
	sorted := make([]int, len(idx))
	for f := range b.gains {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })
		var lw, ls float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			lw += b.w[i]
			ls += b.w[i] * b.r[i]
			if k+1 < minLeaf || len(sorted)-(k+1) < minLeaf {
				continue
			}
			cur, next := b.X[i][f], b.X[sorted[k+1]][f]
			if cur == next {
				continue
			}
			rw, rs := totalW-lw, totalS-ls
			if lw <= 0 || rw <= 0 {
				continue
			}
			gain := ls*ls/lw + rs*rs/rw - parentScore
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	if bestFeature < 0 {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.gains[bestFeature] += bestGain
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self] = treeNode{Feature: bestFeature, Threshold: bestThreshold, Left: l, Right: r}
	return self
}

// Save writes the model as JSON, replacing path atomically.
func (g *GBT) Save(path string) error {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace model: %w", err)
	}
	return nil
}

// LoadGBT reads a model saved with Save.
func LoadGBT(path string) (*GBT, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g GBT
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if len(g.FeatureNames) == 0 {
		return nil, fmt.Errorf("model %s has no features", path)
	}
	for ti, t := range g.Trees {
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(g.FeatureNames) || n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("model %s tree %d node %d is malformed", path, ti, ni)
			}
		}
	}
	return &g, nil
}

// GBTTrainer fits local ensembles and persists them to Path when set.
type GBTTrainer struct {
	Params GBTParams
	Path   string
}

// Fit implements Trainer.
func (t GBTTrainer) Fit(ctx context.Context, names []string, X [][]float64, y, w []float64) (Regressor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := FitGBT(names, X, y, w, t.Params)
	if err != nil {
		return nil, err
	}
	if t.Path != "" {
		if err := g.Save(t.Path); err != nil {
			return nil, err
		}
	}
	return g, nil
}
