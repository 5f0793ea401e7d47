package validator

import (
	"errors"
	"fmt"

	"climalog/internal/modules/climate/types"
)

// Bounds describe physically plausible readings. Temperature bounds are
// exclusive, humidity bounds inclusive.
type Bounds struct {
	TempMin     float64
	TempMax     float64
	HumidityMin float64
	HumidityMax float64
}

func DefaultBounds() Bounds {
	return Bounds{
		TempMin:     -50,
		TempMax:     100,
		HumidityMin: 0,
		HumidityMax: 100,
	}
}

func (b Bounds) Validate() error {
	if !(b.TempMin < b.TempMax) {
		return fmt.Errorf("temperature bounds (%g, %g) are empty", b.TempMin, b.TempMax)
	}
	if b.HumidityMin > b.HumidityMax {
		return errors.New("humidity min must be <= humidity max")
	}
	return nil
}

// Accept reports whether s lies within b. NaN never does.
func (b Bounds) Accept(s types.Sample) bool {
	return s.Temperature > b.TempMin && s.Temperature < b.TempMax &&
		s.Humidity >= b.HumidityMin && s.Humidity <= b.HumidityMax
}

// Filter returns the accepted samples in their original order.
func (b Bounds) Filter(samples []types.Sample) []types.Sample {
	kept, _ := b.Partition(samples)
	return kept
}

// Partition is Filter that also reports how many samples were dropped.
func (b Bounds) Partition(samples []types.Sample) (kept []types.Sample, dropped int) {
	kept = make([]types.Sample, 0, len(samples))
	for _, s := range samples {
		if b.Accept(s) {
			kept = append(kept, s)
			continue
		}
		dropped++
	}
	return kept, dropped
}
