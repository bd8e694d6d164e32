package feature

import "math"

// MinMaxScaler rescales a single value series into [0, 1] using the
// min/max observed at fit time. Fitted once per training run; the
// sequence model keeps the fitted scaler alongside its weights so a
// retrain swaps both atomically.
type MinMaxScaler struct {
	Min, Max float64
}

// FitMinMax fits a scaler over the series. A constant series yields a
// degenerate scaler that maps everything to 0.
func FitMinMax(values []float64) MinMaxScaler {
	s := MinMaxScaler{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	if len(values) == 0 {
		s.Min, s.Max = 0, 0
	}
	return s
}

// Scale maps v into [0, 1] relative to the fitted range. Values outside
// the training range extrapolate past the unit interval.
func (s MinMaxScaler) Scale(v float64) float64 {
	span := s.Max - s.Min
	if span == 0 {
		return 0
	}
	return (v - s.Min) / span
}

// Unscale maps a scaled value back to the original units.
func (s MinMaxScaler) Unscale(v float64) float64 {
	return v*(s.Max-s.Min) + s.Min
}

// ScaleAll scales a series, allocating a new slice.
func (s MinMaxScaler) ScaleAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = s.Scale(v)
	}
	return out
}

// StandardScaler centers each feature column to zero mean and unit
// variance, the multivariate counterpart of MinMaxScaler used by the
// outlier model.
type StandardScaler struct {
	Mean   Vector
	Stddev Vector
}

// FitStandard computes per-column mean and population standard
// deviation over the rows.
func FitStandard(rows []Vector) StandardScaler {
	var s StandardScaler
	n := float64(len(rows))
	if n == 0 {
		return s
	}
	for _, row := range rows {
		for c := 0; c < Width; c++ {
			s.Mean[c] += row[c]
		}
	}
	for c := 0; c < Width; c++ {
		s.Mean[c] /= n
	}
	for _, row := range rows {
		for c := 0; c < Width; c++ {
			d := row[c] - s.Mean[c]
			s.Stddev[c] += d * d
		}
	}
	for c := 0; c < Width; c++ {
		s.Stddev[c] = math.Sqrt(s.Stddev[c] / n)
	}
	return s
}

// Transform standardizes a single row. Columns with zero deviation pass
// through centered only.
func (s StandardScaler) Transform(row Vector) Vector {
	var out Vector
	for c := 0; c < Width; c++ {
		d := row[c] - s.Mean[c]
		if s.Stddev[c] > 0 {
			d /= s.Stddev[c]
		}
		out[c] = d
	}
	return out
}

// TransformAll standardizes every row, allocating a new slice.
func (s StandardScaler) TransformAll(rows []Vector) []Vector {
	out := make([]Vector, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out
}
