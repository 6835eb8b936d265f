package pipeline

import (
	"fmt"
	"math"
	"sort"
)

// FeatureSet is the tabular output of feature engineering: one row per bar
// (across all symbols), with binary next-bar-direction labels.
type FeatureSet struct {
	Names  []string
	Rows   [][]float64
	Labels []float64
}

// SplitIndex returns the boundary between the training split and the holdout
// split (first 80% train, last 20% holdout).
func (fs *FeatureSet) SplitIndex() int {
	return len(fs.Rows) * 4 / 5
}

// featureNames is the fixed feature vocabulary of the indicator builder.
var featureNames = []string{
	"return_1",
	"return_5",
	"sma10_ratio",
	"volatility_10",
	"rsi_14",
	"volume_z20",
}

// warmupBars is the longest indicator lookback plus label horizon.
const warmupBars = 21

// IndicatorFeatures computes a small set of technical indicators per bar.
type IndicatorFeatures struct{}

// NewIndicatorFeatures returns the default feature builder.
func NewIndicatorFeatures() *IndicatorFeatures {
	return &IndicatorFeatures{}
}

// Build produces one feature row per usable bar. Symbols are processed in
// sorted order so the row layout is deterministic.
func (b *IndicatorFeatures) Build(candles map[string][]Candle) (*FeatureSet, error) {
	symbols := make([]string, 0, len(candles))
	for s := range candles {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	fs := &FeatureSet{Names: featureNames}
	for _, symbol := range symbols {
		series := candles[symbol]
		if len(series) <= warmupBars+1 {
			return nil, fmt.Errorf("symbol %s has %d bars, need more than %d", symbol, len(series), warmupBars+1)
		}
		appendSymbolRows(fs, series)
	}

	if len(fs.Rows) == 0 {
		return nil, fmt.Errorf("no feature rows produced")
	}
	return fs, nil
}

func appendSymbolRows(fs *FeatureSet, series []Candle) {
	// Last bar has no next-bar label.
	for i := warmupBars; i < len(series)-1; i++ {
		row := []float64{
			ret(series, i, 1),
			ret(series, i, 5),
			series[i].Close/sma(series, i, 10) - 1,
			volatility(series, i, 10),
			rsi(series, i, 14),
			volumeZ(series, i, 20),
		}
		label := 0.0
		if series[i+1].Close > series[i].Close {
			label = 1.0
		}
		fs.Rows = append(fs.Rows, row)
		fs.Labels = append(fs.Labels, label)
	}
}

func ret(series []Candle, i, lag int) float64 {
	prev := series[i-lag].Close
	if prev == 0 {
		return 0
	}
	return series[i].Close/prev - 1
}

func sma(series []Candle, i, window int) float64 {
	sum := 0.0
	for j := i - window + 1; j <= i; j++ {
		sum += series[j].Close
	}
	return sum / float64(window)
}

func volatility(series []Candle, i, window int) float64 {
	mean := 0.0
	rets := make([]float64, window)
	for j := 0; j < window; j++ {
		rets[j] = ret(series, i-j, 1)
		mean += rets[j]
	}
	mean /= float64(window)

	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(window))
}

func rsi(series []Candle, i, window int) float64 {
	var gains, losses float64
	for j := i - window + 1; j <= i; j++ {
		delta := series[j].Close - series[j-1].Close
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if gains+losses == 0 {
		return 50
	}
	return 100 * gains / (gains + losses)
}

func volumeZ(series []Candle, i, window int) float64 {
	mean := 0.0
	for j := i - window + 1; j <= i; j++ {
		mean += series[j].Volume
	}
	mean /= float64(window)

	variance := 0.0
	for j := i - window + 1; j <= i; j++ {
		variance += (series[j].Volume - mean) * (series[j].Volume - mean)
	}
	std := math.Sqrt(variance / float64(window))
	if std == 0 {
		return 0
	}
	return (series[i].Volume - mean) / std
}
