package intel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// timestampShape requires two-digit fields and a dot before any fraction
var timestampShape = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d{1,9})?(Z|[+-]\d{2}:\d{2})?$`)

// Accepted timestamp layouts. The fraction is optional, the zone may be absent (read as UTC).
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 style instant with either a T or a space separator.
// Anything else is rejected rather than guessed.
func ParseTimestamp(s string) (time.Time, error) {
	if !timestampShape.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformed, s)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformed, s)
}

// FormatTimestamp renders ts the way the bus codec writes it
func FormatTimestamp(ts time.Time) string {
	return ts.Format(time.RFC3339Nano)
}

type wireIntel struct {
	TS        string          `json:"ts"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Operation Operation       `json:"operation"`
}

func (in *Intel) MarshalJSON() ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(in.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireIntel{
		TS:        FormatTimestamp(in.Timestamp),
		ID:        in.ID,
		Data:      data,
		Operation: in.Operation,
	})
}

func (in *Intel) UnmarshalJSON(b []byte) error {
	var w wireIntel
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(w.Data) == 0 || bytes.Equal(w.Data, []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	ts, err := ParseTimestamp(w.TS)
	if err != nil {
		return err
	}
	var data IntelData
	if err := json.Unmarshal(w.Data, &data); err != nil {
		return malformed(err)
	}
	decoded := Intel{Timestamp: ts, ID: w.ID, Data: &data, Operation: w.Operation}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*in = decoded
	return nil
}

// IntelData travels as {"indicator": ..., "intel_type": ..., <extra keys>}.
func (d *IntelData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["indicator"] = d.Indicator
	out["intel_type"] = d.Type
	return json.Marshal(out)
}

func (d *IntelData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	rawType, ok := raw["intel_type"]
	if !ok {
		return fmt.Errorf("%w: data missing intel_type", ErrMalformed)
	}
	var typ IntelType
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return malformed(err)
	}
	rawInd, ok := raw["indicator"]
	if !ok {
		return fmt.Errorf("%w: data missing indicator", ErrMalformed)
	}
	var ind Indicator
	if err := json.Unmarshal(rawInd, &ind); err != nil {
		return malformed(err)
	}
	delete(raw, "intel_type")
	delete(raw, "indicator")
	var extra map[string]any
	if len(raw) > 0 {
		extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("%w: data.%s: %v", ErrMalformed, k, err)
			}
			extra[k] = val
		}
	}
	*d = IntelData{Indicator: ind, Type: typ, Extra: extra}
	return nil
}

// FromValue sanitizes a value of unknown shape into a validated Intel.
// It accepts Intel values, JSON documents and decoded JSON objects; everything else fails.
func FromValue(v any) (*Intel, error) {
	var doc []byte
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil value", ErrMalformed)
	case *Intel:
		if err := val.Validate(); err != nil {
			return nil, err
		}
		return val, nil
	case Intel:
		if err := val.Validate(); err != nil {
			return nil, err
		}
		return &val, nil
	case []byte:
		doc = val
	case string:
		doc = []byte(val)
	case json.RawMessage:
		doc = val
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		doc = b
	default:
		return nil, fmt.Errorf("%w: unsupported value of type %T", ErrMalformed, v)
	}
	var in Intel
	if err := json.Unmarshal(doc, &in); err != nil {
		return nil, malformed(err)
	}
	return &in, nil
}

// malformed tags err with ErrMalformed unless it already carries it
func malformed(err error) error {
	if errors.Is(err, ErrMalformed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// Sighting asserts that an indicator was observed, pointing back at the intel that carried it
type Sighting struct {
	Timestamp time.Time      `json:"ts"`
	IOC       string         `json:"ioc"`
	Context   map[string]any `json:"context"`
	Intel     string         `json:"intel"`
}

func (s *Sighting) UnmarshalJSON(b []byte) error {
	var w struct {
		TS      string         `json:"ts"`
		IOC     string         `json:"ioc"`
		Context map[string]any `json:"context"`
		Intel   string         `json:"intel"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: sighting: %v", ErrMalformed, err)
	}
	ts, err := ParseTimestamp(w.TS)
	if err != nil {
		return err
	}
	if w.IOC == "" || w.Intel == "" {
		return fmt.Errorf("%w: sighting missing ioc or intel", ErrMalformed)
	}
	*s = Sighting{Timestamp: ts, IOC: w.IOC, Context: w.Context, Intel: w.Intel}
	return nil
}
