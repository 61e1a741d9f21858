package ledger

import (
	"fmt"

	"perptrader/internal/sizing"
)

// Windows are the rolling sample sizes accuracy is reported over.
var Windows = []int{10, 30, 50}

// Summary is a hit-rate over some slice of validated records. Ratio is
// nil when the slice is empty, which is distinct from a ratio of zero.
type Summary struct {
	Total   int
	Success int
	Ratio   *float64
}

func summarize(records []Record) Summary {
	s := Summary{}
	for _, r := range records {
		if r.Result == "" {
			continue
		}
		s.Total++
		if r.Result == ResultSuccess {
			s.Success++
		}
	}
	if s.Total > 0 {
		ratio := float64(s.Success) / float64(s.Total)
		s.Ratio = &ratio
	}
	return s
}

// Accuracy is the full statistics block for one symbol.
type Accuracy struct {
	Windows      map[int]Summary
	BySignal     map[Signal]Summary
	ByConfidence map[sizing.Confidence]Summary
	ByLeverage   map[string]Summary
}

// LeverageBucket groups a leverage tier into a reporting band.
func LeverageBucket(leverage int) string {
	switch {
	case leverage <= 2:
		return "1-2x"
	case leverage <= 8:
		return "3-8x"
	case leverage <= 12:
		return "9-12x"
	default:
		return "13x+"
	}
}

// ComputeAccuracy summarizes validated records. Only the most recent
// window of records feeds each rolling summary; breakdown maps cover
// every validated record.
func ComputeAccuracy(history []Record) Accuracy {
	validated := make([]Record, 0, len(history))
	for _, r := range history {
		if r.Result != "" {
			validated = append(validated, r)
		}
	}

	acc := Accuracy{
		Windows:      make(map[int]Summary, len(Windows)),
		BySignal:     make(map[Signal]Summary),
		ByConfidence: make(map[sizing.Confidence]Summary),
		ByLeverage:   make(map[string]Summary),
	}

	for _, w := range Windows {
		acc.Windows[w] = summarize(tail(validated, w))
	}

	bySignal := make(map[Signal][]Record)
	byConf := make(map[sizing.Confidence][]Record)
	byLev := make(map[string][]Record)
	for _, r := range validated {
		bySignal[r.Signal] = append(bySignal[r.Signal], r)
		byConf[r.Confidence] = append(byConf[r.Confidence], r)
		if r.Leverage > 0 {
			bucket := LeverageBucket(r.Leverage)
			byLev[bucket] = append(byLev[bucket], r)
		}
	}
	for sig, recs := range bySignal {
		acc.BySignal[sig] = summarize(recs)
	}
	for conf, recs := range byConf {
		acc.ByConfidence[conf] = summarize(recs)
	}
	for bucket, recs := range byLev {
		acc.ByLeverage[bucket] = summarize(recs)
	}
	return acc
}

// String renders a compact one-line view for logs.
func (s Summary) String() string {
	if s.Ratio == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", s.Success, s.Total, *s.Ratio*100)
}

func tail(records []Record, n int) []Record {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}
