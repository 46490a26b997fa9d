package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Counts is the vehicle tally returned by the detection backend.
type Counts struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// ErrInvalidCounts is returned when a payload does not carry a usable up/down pair.
var ErrInvalidCounts = errors.New("invalid counts payload")

// DecodeCounts parses a backend response body.
// Both fields must be present JSON numbers, integral and non-negative. Extra
// fields are ignored.
func DecodeCounts(data []byte) (Counts, error) {
	var raw struct {
		Up   json.RawMessage `json:"up"`
		Down json.RawMessage `json:"down"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Counts{}, fmt.Errorf("%w: %v", ErrInvalidCounts, err)
	}

	up, err := countField("up", raw.Up)
	if err != nil {
		return Counts{}, err
	}
	down, err := countField("down", raw.Down)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Up: up, Down: down}, nil
}

func countField(name string, raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidCounts, name)
	}
	// strings, null, booleans and objects all start with something else
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return 0, fmt.Errorf("%w: %q is not a number, got %s", ErrInvalidCounts, name, raw)
	}

	n := json.Number(raw)
	if i, err := n.Int64(); err == nil {
		if i < 0 || i > math.MaxInt {
			return 0, fmt.Errorf("%w: %q must be a non-negative integer, got %s", ErrInvalidCounts, name, raw)
		}
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || f < 0 || f != math.Trunc(f) || f >= float64(math.MaxInt) {
		return 0, fmt.Errorf("%w: %q must be a non-negative integer, got %s", ErrInvalidCounts, name, raw)
	}
	return int(f), nil
}
