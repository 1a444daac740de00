// Package prediction holds the regression models behind quality and revenue
// estimates: an in-process gradient-boosted tree ensemble and a client for a
// remote model service, both behind the Regressor contract.
package prediction

import (
	"context"
	"errors"
)

var (
	// ErrModelUnavailable is returned when no model is loaded or the model service cannot be reached.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInsufficientData is returned when there are too few rows to fit a model.
	ErrInsufficientData = errors.New("insufficient training data")
)

// Regressor maps a feature vector to a scalar prediction.
type Regressor interface {
	Predict(ctx context.Context, features []float64) (float64, error)
}

// Trainer fits a new Regressor from weighted rows.
type Trainer interface {
	Fit(ctx context.Context, names []string, X [][]float64, y, w []float64) (Regressor, error)
}

// Dataset is a weighted design matrix.
type Dataset struct {
	X [][]float64
	Y []float64
	W []float64
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Y) }

// Add appends one row.
func (d *Dataset) Add(x []float64, y, w float64) {
	d.X = append(d.X, x)
	d.Y = append(d.Y, y)
	d.W = append(d.W, w)
}
