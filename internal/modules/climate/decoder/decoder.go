// Package decoder parses the ASCII frame a logger sends in reply to a poll.
//
// A frame has four semicolon terminated segments:
//
//	<label...> YYYYMMDD HH:MM:SS;,t1,t2,...,;,h1,h2,...,;,o1,o2,...,;
//
// The numeric segments carry one empty token at each end which is dropped.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"climalog/internal/modules/climate/types"
)

const (
	segmentDelimiter = ";"
	valueDelimiter   = ","
	segmentCount     = 4

	// AnchorLayout is the device clock format of the first segment.
	AnchorLayout = "20060102 15:04:05"
)

var ErrDecode = errors.New("decode frame")

type Reason string

const (
	ReasonSegmentCount        Reason = "segment-count"
	ReasonAnchor              Reason = "anchor"
	ReasonNumber              Reason = "number"
	ReasonInconsistentLengths Reason = "inconsistent-lengths"
)

type DecodeError struct {
	Reason Reason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode frame: %s", e.Reason)
	}
	return fmt.Sprintf("decode frame: %s: %s", e.Reason, e.Detail)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func fail(reason Reason, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Decode parses raw into a Frame. It never returns a partially filled frame.
func Decode(raw []byte) (*types.Frame, error) {
	segments, err := split(raw)
	if err != nil {
		return nil, err
	}

	anchor, err := parseAnchor(segments[0])
	if err != nil {
		return nil, err
	}

	temps, err := parseValues("temperature", segments[1])
	if err != nil {
		return nil, err
	}
	hums, err := parseValues("humidity", segments[2])
	if err != nil {
		return nil, err
	}
	offsets, err := parseValues("offset", segments[3])
	if err != nil {
		return nil, err
	}
	for i, o := range offsets {
		if math.IsNaN(o) || math.IsInf(o, 0) {
			return nil, fail(ReasonNumber, "offset %d is not finite", i)
		}
	}

	if len(temps) == 0 || len(temps) != len(hums) || len(temps) != len(offsets) {
		return nil, fail(ReasonInconsistentLengths,
			"temperatures=%d humidities=%d offsets=%d", len(temps), len(hums), len(offsets))
	}

	return &types.Frame{
		Anchor:       anchor,
		Temperatures: temps,
		Humidities:   hums,
		Offsets:      offsets,
	}, nil
}

// Verify reports whether raw is a complete, length-consistent frame.
func Verify(raw []byte) error {
	_, err := Decode(raw)
	return err
}

// Complete reports whether raw holds a whole frame. The device may spread a
// frame over several datagrams and may omit the final terminator, so the
// offsets segment counts as closed once it ends with its trailing comma.
func Complete(raw []byte) bool {
	s := bytes.Trim(raw, " \t\r\n\x00")
	if bytes.HasSuffix(s, []byte(segmentDelimiter)) {
		return bytes.Count(s, []byte(segmentDelimiter)) >= segmentCount
	}
	if bytes.Count(s, []byte(segmentDelimiter)) < segmentCount-1 {
		return false
	}
	last := s[bytes.LastIndex(s, []byte(segmentDelimiter))+1:]
	return len(last) > 1 && bytes.HasSuffix(last, []byte(valueDelimiter))
}

func split(raw []byte) ([]string, error) {
	s := strings.Trim(string(raw), " \t\r\n\x00")
	s = strings.TrimSuffix(s, segmentDelimiter)
	segments := strings.Split(s, segmentDelimiter)
	if len(segments) != segmentCount {
		return nil, fail(ReasonSegmentCount, "got %d segments, want %d", len(segments), segmentCount)
	}
	return segments, nil
}

func parseAnchor(segment string) (time.Time, error) {
	fields := strings.Fields(segment)
	if len(fields) < 2 {
		return time.Time{}, fail(ReasonAnchor, "%q: want date and time tokens", segment)
	}
	stamp := fields[len(fields)-2] + " " + fields[len(fields)-1]
	t, err := time.Parse(AnchorLayout, stamp)
	if err != nil {
		return time.Time{}, fail(ReasonAnchor, "%q: %v", stamp, err)
	}
	return t, nil
}

func parseValues(name, segment string) ([]float64, error) {
	tokens := strings.Split(segment, valueDelimiter)
	if len(tokens) <= 2 {
		return nil, nil
	}
	tokens = tokens[1 : len(tokens)-1]

	out := make([]float64, 0, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, fail(ReasonNumber, "%s %d %q", name, i, tok)
		}
		out = append(out, v)
	}
	return out, nil
}
