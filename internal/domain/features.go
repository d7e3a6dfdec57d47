package domain

import "time"

// WindowDuration is the width of a feature window.
const WindowDuration = time.Minute

// FeatureWindow is a closed one-minute aggregate of book samples.
// Corresponds to features_1m table.
type FeatureWindow struct {
	WindowStart time.Time // minute-aligned UTC start
	WindowEnd   time.Time // WindowStart + 1m
	Venue       Venue
	Symbol      string
	SpreadBps   *float64 // mean spread in bps, NULL if no two-sided sample
	DepthBid    *float64 // mean best bid size, NULL if no bid sample
	DepthAsk    *float64 // mean best ask size, NULL if no ask sample
	Imbalance   *float64 // mean (bid-ask)/(bid+ask), NULL if every sample had zero depth
	FreshnessMs int64    // max(arrival - event_time) in ms
	SampleCount int64    // contributing samples
	Partial     bool     // force-closed before its watermark passed
	ClockSkew   bool     // at least one sample arrived before its event time beyond tolerance
}

// BucketStart returns the minute bucket containing t.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(WindowDuration)
}
