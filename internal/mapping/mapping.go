// Package mapping translates between bus intel/sightings and the VAST ingestion,
// query and result formats.
//
// Every function is pure and safe for concurrent use. Malformed input never
// produces an error or a panic; it yields ok == false and the caller drops the record.
package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"threatbus/vast-bridge/internal/intel"
)

const (
	// ReferencePrefix tags every IOC handed to the live matcher so matches can be traced back to their intel.
	ReferencePrefix = "threatbus__"
	// SourceLabel is the origin stamped onto sighting context.
	SourceLabel = "VAST"
)

// vastType describes how one intel type is represented in VAST
type vastType struct {
	tag   string
	query func(ioc string) string
}

var vastTypes = map[intel.IntelType]vastType{
	intel.IPSrc:  {tag: "ip", query: bareQuery},
	intel.IPDst:  {tag: "ip", query: bareQuery},
	intel.URL:    {tag: "url", query: urlQuery},
	intel.Domain: {tag: "domain", query: domainQuery},
}

// VAST matches addresses and subnets natively.
func bareQuery(ioc string) string { return ioc }

func urlQuery(ioc string) string {
	return fmt.Sprintf(`"%s" in url`, ioc)
}

// Event schemas disagree on the field name for domains.
func domainQuery(ioc string) string {
	return fmt.Sprintf(`"%[1]s" in domain || "%[1]s" in host || "%[1]s" in hostname`, ioc)
}

// lookup returns the indicator and VAST representation of a well-formed intel item
func lookup(in *intel.Intel) (string, vastType, bool) {
	if in == nil || in.Data == nil {
		return "", vastType{}, false
	}
	vt, ok := vastTypes[in.Data.Type]
	if !ok {
		return "", vastType{}, false
	}
	ioc, ok := in.Data.Indicator.First()
	if !ok || ioc == "" {
		return "", vastType{}, false
	}
	return ioc, vt, true
}

// GetIOC returns the indicator of in. Sequence indicators yield their first element.
func GetIOC(in *intel.Intel) (string, bool) {
	ioc, _, ok := lookup(in)
	return ioc, ok
}

// GetVastIntelType returns the VAST type tag for in
func GetVastIntelType(in *intel.Intel) (string, bool) {
	_, vt, ok := lookup(in)
	return vt.tag, ok
}

// IngestRecord is the JSON record VAST's matcher ingests for one IOC
type IngestRecord struct {
	IOC       string `json:"ioc"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// ToVastIOC encodes in as a VAST ingestion record
func ToVastIOC(in *intel.Intel) (string, bool) {
	ioc, vt, ok := lookup(in)
	if !ok {
		return "", false
	}
	b, err := json.Marshal(IngestRecord{IOC: ioc, Type: vt.tag, Reference: ReferencePrefix + in.ID})
	if err != nil {
		return "", false
	}
	return string(b), true
}

// ToVastQuery builds a VAST query expression matching the indicator of in.
// The indicator is embedded verbatim inside double quotes.
func ToVastQuery(in *intel.Intel) (string, bool) {
	ioc, vt, ok := lookup(in)
	if !ok {
		return "", false
	}
	return vt.query(ioc), true
}

// QueryResultToSighting converts one historical query hit into a sighting of in.
// The whole result object is kept as sighting context.
func QueryResultToSighting(result string, in *intel.Intel) (*intel.Sighting, bool) {
	ioc, ok := GetIOC(in)
	if !ok {
		return nil, false
	}
	obj, ok := decodeObject(result)
	if !ok {
		return nil, false
	}
	rawTS, ok := obj["ts"].(string)
	if !ok {
		return nil, false
	}
	ts, err := intel.ParseTimestamp(rawTS)
	if err != nil {
		return nil, false
	}
	obj["source"] = SourceLabel
	return &intel.Sighting{Timestamp: ts, IOC: ioc, Context: obj, Intel: in.ID}, true
}

// matcherResult is a live matcher hit; data_id, indicator_id and matcher are not forwarded
type matcherResult struct {
	TS        *string `json:"ts"`
	IOC       *string `json:"ioc"`
	Reference *string `json:"reference"`
}

// MatcherResultToSighting converts one live matcher hit into a sighting.
// Only the origin label is kept as context.
func MatcherResultToSighting(result string) (*intel.Sighting, bool) {
	var m matcherResult
	if err := json.Unmarshal([]byte(result), &m); err != nil {
		return nil, false
	}
	if m.TS == nil || m.IOC == nil || m.Reference == nil || *m.IOC == "" {
		return nil, false
	}
	id, ok := strings.CutPrefix(*m.Reference, ReferencePrefix)
	if !ok || id == "" {
		return nil, false
	}
	ts, err := intel.ParseTimestamp(*m.TS)
	if err != nil {
		return nil, false
	}
	return &intel.Sighting{
		Timestamp: ts,
		IOC:       *m.IOC,
		Context:   map[string]any{"source": SourceLabel},
		Intel:     id,
	}, true
}

// decodeObject parses a single JSON object, keeping numbers as written
func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return obj, true
}
