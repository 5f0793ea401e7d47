// Package timeline turns device-relative sample offsets into absolute times.
package timeline

import (
	"math"
	"time"
	_ "time/tzdata"
)

// Reconstruct returns one timestamp per offset. Offsets are seconds-ago
// counters: sample i was captured offsets[i]-offsets[last] seconds before the
// last sample, which itself was captured at anchor. The result keeps the
// input order and its last element equals anchor exactly.
//
// The returned times carry the anchor's location, which for decoded frames is
// UTC standing in for the device's zone-less clock. Use Localize to attach
// the civil timezone.
func Reconstruct(anchor time.Time, offsets []float64) []time.Time {
	if len(offsets) == 0 {
		return nil
	}
	last := offsets[len(offsets)-1]
	out := make([]time.Time, len(offsets))
	for i, o := range offsets {
		delta := o - last
		out[i] = anchor.Add(-seconds(delta))
	}
	return out
}

// Localize converts ts in place into loc. Standard and daylight offsets come
// from the zone database, so the same instant is kept across transitions.
func Localize(ts []time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		return ts
	}
	for i := range ts {
		ts[i] = ts[i].In(loc)
	}
	return ts
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
