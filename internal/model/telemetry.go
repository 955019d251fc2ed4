package model

import (
	"bytes"
	"encoding/json"
)

// Telemetry is the allow-listed sample forwarded from a sharer to its viewer.
// Anything a sender adds beyond these fields is discarded when decoding.
type Telemetry struct {
	Throttle    *float64 `json:"throttle,omitempty"` // 0-1
	Brake       *float64 `json:"brake,omitempty"`    // 0-1
	Steering    *float64 `json:"steering,omitempty"` // normalized, sign gives direction
	Speed       *float64 `json:"speed,omitempty"`
	Gear        Gear     `json:"gear,omitempty"`
	DriverName  string   `json:"driver_name,omitempty"`
	SessionTime *float64 `json:"session_time,omitempty"` // seconds
}

// Normalize returns a fresh copy holding only the allow-listed fields
func (t *Telemetry) Normalize() *Telemetry {
	if t == nil {
		return &Telemetry{}
	}
	out := &Telemetry{
		Throttle:    copyFloat(t.Throttle),
		Brake:       copyFloat(t.Brake),
		Steering:    copyFloat(t.Steering),
		Speed:       copyFloat(t.Speed),
		DriverName:  t.DriverName,
		SessionTime: copyFloat(t.SessionTime),
	}
	if len(t.Gear) > 0 {
		out.Gear = append(Gear(nil), t.Gear...)
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Gear holds a gear value sent either as a number ("3") or a string ("R", "N").
// Values of any other JSON kind are dropped rather than rejected.
type Gear []byte

// UnmarshalJSON keeps numbers and strings verbatim
func (g *Gear) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*g = nil
		return nil
	}
	var n json.Number
	var s string
	switch {
	case json.Unmarshal(data, &n) == nil && data[0] != '"':
		*g = append(Gear(nil), data...)
	case json.Unmarshal(data, &s) == nil:
		*g = append(Gear(nil), data...)
	default:
		*g = nil
	}
	return nil
}

// MarshalJSON writes the stored token back unchanged
func (g Gear) MarshalJSON() ([]byte, error) {
	if len(g) == 0 {
		return []byte("null"), nil
	}
	return []byte(g), nil
}

// String returns the gear for logs, without quotes
func (g Gear) String() string {
	var s string
	if json.Unmarshal(g, &s) == nil {
		return s
	}
	return string(g)
}
