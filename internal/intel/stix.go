package intel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// STIXParser parses STIX bundles into intel items
type STIXParser struct {
	patterns []stixPattern
}

type stixPattern struct {
	re  *regexp.Regexp
	typ IntelType
}

// NewSTIXParser creates a new STIX parser
func NewSTIXParser() *STIXParser {
	return &STIXParser{
		patterns: []stixPattern{
			{re: regexp.MustCompile(`^\[ipv4-addr:value\s*=\s*'([^']+)'\]$`), typ: IPSrc},
			{re: regexp.MustCompile(`^\[ipv6-addr:value\s*=\s*'([^']+)'\]$`), typ: IPSrc},
			{re: regexp.MustCompile(`^\[url:value\s*=\s*'([^']+)'\]$`), typ: URL},
			{re: regexp.MustCompile(`^\[domain-name:value\s*=\s*'([^']+)'\]$`), typ: Domain},
		},
	}
}

// STIXIndicator represents a simplified STIX 2.1 indicator
type STIXIndicator struct {
	Type        string    `json:"type"`
	SpecVersion string    `json:"spec_version,omitempty"`
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Pattern     string    `json:"pattern"`
	PatternType string    `json:"pattern_type,omitempty"`
	ValidFrom   time.Time `json:"valid_from"`
	Revoked     bool      `json:"revoked,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
}

// STIXSighting represents a simplified STIX 2.1 sighting
type STIXSighting struct {
	Type          string         `json:"type"`
	SpecVersion   string         `json:"spec_version"`
	ID            string         `json:"id"`
	Created       time.Time      `json:"created"`
	LastSeen      time.Time      `json:"last_seen"`
	SightingOfRef string         `json:"sighting_of_ref"`
	Count         int            `json:"count"`
	Value         string         `json:"x_threatbus_ioc,omitempty"`
	Context       map[string]any `json:"x_threatbus_sighting_context,omitempty"`
}

// STIXBundle represents a simplified STIX bundle
type STIXBundle struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Objects []json.RawMessage `json:"objects"`
}

// ParseBundle parses a STIX bundle and returns the indicators it carries as intel.
// Objects that are not indicators, or whose pattern is not a single-value comparison, are skipped.
func (p *STIXParser) ParseBundle(data []byte) ([]*Intel, error) {
	var bundle STIXBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("unmarshal bundle: %w", err)
	}
	if bundle.Type != "bundle" {
		return nil, fmt.Errorf("%w: expected bundle, got %q", ErrMalformed, bundle.Type)
	}

	items := make([]*Intel, 0, len(bundle.Objects))
	for _, raw := range bundle.Objects {
		var ind STIXIndicator
		if err := json.Unmarshal(raw, &ind); err != nil || ind.Type != "indicator" {
			continue
		}
		in, err := p.ToIntel(&ind)
		if err != nil {
			continue
		}
		items = append(items, in)
	}
	return items, nil
}

// ToIntel converts one STIX indicator to an intel item. Revoked indicators become removals.
func (p *STIXParser) ToIntel(ind *STIXIndicator) (*Intel, error) {
	typ, value, err := p.parsePattern(ind.Pattern)
	if err != nil {
		return nil, err
	}

	var indicator Indicator
	if typ.IsIP() {
		indicator = Many(value)
	} else {
		indicator = Single(value)
	}
	data, err := NewIntelData(indicator, typ, nil)
	if err != nil {
		return nil, err
	}

	ts := ind.Modified
	if ts.IsZero() {
		ts = ind.ValidFrom
	}
	op := OperationAdd
	if ind.Revoked {
		op = OperationRemove
	}
	return NewIntel(ts, ind.ID, data, op)
}

func (p *STIXParser) parsePattern(pattern string) (IntelType, string, error) {
	pattern = strings.TrimSpace(pattern)
	for _, sp := range p.patterns {
		if m := sp.re.FindStringSubmatch(pattern); len(m) > 1 {
			return sp.typ, m[1], nil
		}
	}
	return IntelTypeUnknown, "", fmt.Errorf("%w: unsupported pattern: %s", ErrMalformed, pattern)
}

// stixObjectType maps intel types onto STIX cyber-observable object types
func stixObjectType(in *Intel) (string, error) {
	switch in.Data.Type {
	case IPSrc, IPDst:
		v, _ := in.Data.Indicator.First()
		if strings.Contains(v, ":") {
			return "ipv6-addr", nil
		}
		return "ipv4-addr", nil
	case URL:
		return "url", nil
	case Domain:
		return "domain-name", nil
	}
	return "", fmt.Errorf("%w: no STIX type for %s", ErrMalformed, in.Data.Type)
}

// ToSTIXIndicator converts an intel item to a STIX indicator
func ToSTIXIndicator(in *Intel) (*STIXIndicator, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	objType, err := stixObjectType(in)
	if err != nil {
		return nil, err
	}
	value, _ := in.Data.Indicator.First()
	ts := in.Timestamp.UTC()
	return &STIXIndicator{
		Type:        "indicator",
		SpecVersion: "2.1",
		ID:          in.ID,
		Created:     ts,
		Modified:    ts,
		Pattern:     fmt.Sprintf("[%s:value = '%s']", objType, value),
		PatternType: "stix",
		ValidFrom:   ts,
		Revoked:     in.Operation == OperationRemove,
	}, nil
}

// ToSTIXSighting converts a sighting to a STIX sighting referencing its intel
func ToSTIXSighting(s *Sighting) *STIXSighting {
	return &STIXSighting{
		Type:          "sighting",
		SpecVersion:   "2.1",
		ID:            "sighting--" + uuid.NewString(),
		Created:       time.Now().UTC(),
		LastSeen:      s.Timestamp.UTC(),
		SightingOfRef: s.Intel,
		Count:         1,
		Value:         s.IOC,
		Context:       s.Context,
	}
}

// CreateBundle wraps STIX objects in a bundle
func CreateBundle(objects ...any) ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(objects))
	for _, obj := range objects {
		b, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}

	bundle := STIXBundle{
		Type:    "bundle",
		ID:      "bundle--" + uuid.NewString(),
		Objects: raws,
	}

	return json.Marshal(bundle)
}
