package bridge

import (
	"encoding/json"
	"fmt"

	"threatbus/vast-bridge/internal/intel"
)

// Codec converts between bus payloads and intel/sightings
type Codec interface {
	DecodeIntel(payload []byte) ([]*intel.Intel, error)
	EncodeSighting(s *intel.Sighting) ([]byte, error)
}

// NewCodec returns the codec for a bus format: json or stix
func NewCodec(format string) (Codec, error) {
	switch format {
	case "", "json":
		return jsonCodec{}, nil
	case "stix":
		return stixCodec{parser: intel.NewSTIXParser()}, nil
	}
	return nil, fmt.Errorf("unknown bus format %q", format)
}

// jsonCodec speaks the bus's native Intel and Sighting JSON
type jsonCodec struct{}

func (jsonCodec) DecodeIntel(payload []byte) ([]*intel.Intel, error) {
	in, err := intel.FromValue(payload)
	if err != nil {
		return nil, err
	}
	return []*intel.Intel{in}, nil
}

func (jsonCodec) EncodeSighting(s *intel.Sighting) ([]byte, error) {
	return json.Marshal(s)
}

// stixCodec reads STIX 2.1 indicator bundles and writes sighting bundles
type stixCodec struct {
	parser *intel.STIXParser
}

func (c stixCodec) DecodeIntel(payload []byte) ([]*intel.Intel, error) {
	return c.parser.ParseBundle(payload)
}

func (stixCodec) EncodeSighting(s *intel.Sighting) ([]byte, error) {
	return intel.CreateBundle(intel.ToSTIXSighting(s))
}
