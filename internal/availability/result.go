// Package availability normalizes the loosely shaped available-days
// response into a closed set of outcomes.
package availability

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Kind int

const (
	Empty Kind = iota
	Available
	Failed
)

func (k Kind) String() string {
	switch k {
	case Available:
		return "available"
	case Failed:
		return "failed"
	default:
		return "empty"
	}
}

// Day is one bookable date (YYYY-MM-DD).
type Day struct {
	Date        string          `json:"time"`
	ProviderIDs json.RawMessage `json:"providerIDs,omitempty"`
}

// Result is the outcome of one availability query.
type Result struct {
	Kind    Kind
	Days    []Day
	Code    string
	Message string
	// Raw is the response body, kept for the appointment log.
	Raw json.RawMessage
}

// Dates lists the available dates in response order.
func (r Result) Dates() []string {
	out := make([]string, 0, len(r.Days))
	for _, d := range r.Days {
		out = append(out, d.Date)
	}
	return out
}

func (r Result) Err() error {
	if r.Kind != Failed {
		return nil
	}
	return fmt.Errorf("availability: %s: %s", r.Code, r.Message)
}

// FromError turns a transport or HTTP failure into a failed result.
func FromError(err error) Result {
	return Result{Kind: Failed, Code: "request", Message: err.Error()}
}

// Classify maps a response body onto a Result. An object carrying errorCode
// is Failed; an availableDays list (or a top-level list) with at least one
// readable date is Available; anything else that parses is Empty.
func Classify(raw []byte) Result {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Result{Kind: Empty}
	}

	switch raw[0] {
	case '{':
		var obj struct {
			ErrorCode     *string           `json:"errorCode"`
			ErrorMessage  string            `json:"errorMessage"`
			AvailableDays []json.RawMessage `json:"availableDays"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Result{Kind: Failed, Code: "decode", Message: err.Error(), Raw: raw}
		}
		if obj.ErrorCode != nil {
			return Result{Kind: Failed, Code: *obj.ErrorCode, Message: obj.ErrorMessage, Raw: raw}
		}
		return fromList(obj.AvailableDays, raw)
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return Result{Kind: Failed, Code: "decode", Message: err.Error(), Raw: raw}
		}
		return fromList(list, raw)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Result{Kind: Failed, Code: "decode", Message: err.Error(), Raw: raw}
	}
	return Result{Kind: Empty, Raw: raw}
}

func fromList(items []json.RawMessage, raw []byte) Result {
	if len(items) == 0 {
		return Result{Kind: Empty, Raw: raw}
	}
	days := make([]Day, 0, len(items))
	for _, it := range items {
		var d Day
		if json.Unmarshal(it, &d) == nil && d.Date != "" {
			days = append(days, d)
			continue
		}
		var s string
		if json.Unmarshal(it, &s) == nil && s != "" {
			days = append(days, Day{Date: s})
		}
	}
	if len(days) == 0 {
		return Result{Kind: Empty, Raw: raw}
	}
	return Result{Kind: Available, Days: days, Raw: raw}
}
