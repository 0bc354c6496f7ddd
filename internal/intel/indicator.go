package intel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrMalformed marks any intel or sighting value that cannot be decoded or fails validation
var ErrMalformed = errors.New("malformed intel")

// IntelType represents the kind of indicator carried by an intel item
type IntelType int

const (
	IntelTypeUnknown IntelType = iota
	IPSrc
	IPDst
	URL
	Domain
)

var intelTypeNames = map[IntelType]string{
	IPSrc:  "ipsrc",
	IPDst:  "ipdst",
	URL:    "url",
	Domain: "domain",
}

func (t IntelType) String() string {
	if name, ok := intelTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether t is one of the recognized variants
func (t IntelType) Valid() bool {
	_, ok := intelTypeNames[t]
	return ok
}

// IsIP reports whether t carries an IP address or prefix
func (t IntelType) IsIP() bool {
	return t == IPSrc || t == IPDst
}

// ParseIntelType converts the text form back into an IntelType
func ParseIntelType(s string) (IntelType, error) {
	for t, name := range intelTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return IntelTypeUnknown, fmt.Errorf("%w: unknown intel type %q", ErrMalformed, s)
}

func (t IntelType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown intel type %d", ErrMalformed, int(t))
	}
	return []byte(t.String()), nil
}

func (t *IntelType) UnmarshalText(b []byte) error {
	parsed, err := ParseIntelType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Operation is the kind of change an intel item announces
type Operation int

const (
	OperationAdd Operation = iota + 1
	OperationRemove
)

func (o Operation) String() string {
	switch o {
	case OperationAdd:
		return "ADD"
	case OperationRemove:
		return "REMOVE"
	default:
		return "unknown"
	}
}

func (o Operation) Valid() bool {
	return o == OperationAdd || o == OperationRemove
}

func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %d", ErrMalformed, int(o))
	}
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "ADD":
		*o = OperationAdd
	case "REMOVE":
		*o = OperationRemove
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformed, string(b))
	}
	return nil
}

// Indicator holds either a single value or an ordered sequence of values.
// IP indicators travel on the bus as one-element sequences.
type Indicator struct {
	values []string
	many   bool
}

// Single creates an indicator holding exactly one value
func Single(value string) Indicator {
	return Indicator{values: []string{value}}
}

// Many creates an indicator holding an ordered sequence of values
func Many(values ...string) Indicator {
	return Indicator{values: append([]string(nil), values...), many: true}
}

// IsMany reports whether the indicator was built as a sequence
func (i Indicator) IsMany() bool { return i.many }

// Values returns a copy of the stored values
func (i Indicator) Values() []string { return append([]string(nil), i.values...) }

// First returns the single value, or element 0 of a sequence.
func (i Indicator) First() (string, bool) {
	if len(i.values) == 0 {
		return "", false
	}
	return i.values[0], true
}

// IsEmpty reports whether the indicator carries no usable value
func (i Indicator) IsEmpty() bool {
	v, ok := i.First()
	return !ok || v == ""
}

func (i Indicator) MarshalJSON() ([]byte, error) {
	if i.many {
		return json.Marshal(i.values)
	}
	v, _ := i.First()
	return json.Marshal(v)
}

func (i *Indicator) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*i = Single(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("%w: indicator must be a string or a list of strings", ErrMalformed)
	}
	*i = Many(many...)
	return nil
}

// IntelData is the indicator payload of an intel item
type IntelData struct {
	Indicator Indicator
	Type      IntelType
	Extra     map[string]any
}

// NewIntelData validates the indicator against the type and returns the payload
func NewIntelData(ind Indicator, typ IntelType, extra map[string]any) (*IntelData, error) {
	d := &IntelData{Indicator: ind, Type: typ, Extra: extra}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the type is recognized and the indicator fits it
func (d *IntelData) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown intel type %d", ErrMalformed, int(d.Type))
	}
	if d.Indicator.IsEmpty() {
		return fmt.Errorf("%w: empty indicator", ErrMalformed)
	}
	if d.Type.IsIP() {
		for _, v := range d.Indicator.values {
			if !isAddrOrPrefix(v) {
				return fmt.Errorf("%w: %q is not an IP address or prefix", ErrMalformed, v)
			}
		}
	}
	return nil
}

func isAddrOrPrefix(v string) bool {
	if _, err := netip.ParseAddr(v); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(v)
	return err == nil
}

// Intel represents one add/remove change to an indicator of compromise
type Intel struct {
	Timestamp time.Time
	ID        string
	Data      *IntelData
	Operation Operation
}

// NewIntel creates a validated intel item
func NewIntel(ts time.Time, id string, data *IntelData, op Operation) (*Intel, error) {
	in := &Intel{Timestamp: ts, ID: id, Data: data, Operation: op}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Validate checks every field of the intel item
func (in *Intel) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: nil intel", ErrMalformed)
	}
	if in.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if in.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if !in.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation", ErrMalformed)
	}
	return in.Data.Validate()
}
