package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Permission is the access scope granted by the gateway. It is set once at
// GRANT time and never changed.
type Permission struct {
	AccessMode  string     `json:"accessMode,omitempty"`
	DateRange   DateRange  `json:"dateRange"`
	DataEraseAt *time.Time `json:"dataEraseAt,omitempty"`
	Frequency   *Frequency `json:"frequency,omitempty"`
	HITypes     []string   `json:"hiTypes,omitempty"`
}

// DateRange bounds the clinical data a grant covers. On the wire it is either
// {"from": t1, "to": t2} or the two-element array [t1, t2].
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Frequency limits how often data may be fetched.
type Frequency struct {
	Unit    string `json:"unit"`
	Value   int    `json:"value"`
	Repeats int    `json:"repeats"`
}

func (d *DateRange) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair []time.Time
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return errors.New("dateRange array must have exactly two entries")
		}
		d.From, d.To = pair[0], pair[1]
		return nil
	}
	type plain DateRange
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = DateRange(p)
	return nil
}

// Validate checks the fields the state machine relies on.
func (p *Permission) Validate() error {
	if p == nil {
		return errors.New("permission is required")
	}
	if p.DateRange.To.IsZero() {
		return errors.New("permission.dateRange.to is required")
	}
	if !p.DateRange.From.IsZero() && p.DateRange.To.Before(p.DateRange.From) {
		return errors.New("permission.dateRange.to precedes dateRange.from")
	}
	return nil
}

// ExpiresAt is the instant a grant stops being valid: dataEraseAt when the
// gateway sent one, otherwise the end of the date range.
func (p *Permission) ExpiresAt() time.Time {
	if p.DataEraseAt != nil && !p.DataEraseAt.IsZero() {
		return p.DataEraseAt.UTC()
	}
	return p.DateRange.To.UTC()
}

func (p *Permission) Clone() *Permission {
	if p == nil {
		return nil
	}
	c := *p
	if p.DataEraseAt != nil {
		t := *p.DataEraseAt
		c.DataEraseAt = &t
	}
	if p.Frequency != nil {
		f := *p.Frequency
		c.Frequency = &f
	}
	c.HITypes = append([]string(nil), p.HITypes...)
	return &c
}
