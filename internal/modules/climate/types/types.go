package types

import (
	"regexp"
	"time"
)

var sourceNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Source names a logical sensor group. Each source owns exactly one table.
type Source string

func (s Source) String() string {
	return string(s)
}

// Valid reports whether s can be used verbatim as a table name.
func (s Source) Valid() bool {
	return sourceNameRe.MatchString(string(s))
}

// Frame is a decoded device response. The three numeric slices always have
// the same non-zero length.
type Frame struct {
	Anchor       time.Time
	Temperatures []float64
	Humidities   []float64
	Offsets      []float64
}

func (f *Frame) Len() int {
	return len(f.Offsets)
}

type Sample struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// Row is a persisted Sample.
type Row struct {
	ID          int64     `json:"id"`
	Source      Source    `json:"source"`
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

func (r Row) Sample() Sample {
	return Sample{Time: r.Time, Temperature: r.Temperature, Humidity: r.Humidity}
}
