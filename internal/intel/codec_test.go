package intel

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestFromValue_Malformed(t *testing.T) {
	ts := "2020-09-24T08:43:43.654072+02:00"
	cases := map[string]any{
		"nil":          nil,
		"int":          42,
		"struct":       struct{}{},
		"non-json":     "some non-json string",
		"missing data": map[string]any{"ts": ts, "id": "42", "operation": "REMOVE"},
		"empty data":   map[string]any{"ts": ts, "id": "42", "operation": "REMOVE", "data": map[string]any{}},
		"unknown type": map[string]any{"ts": ts, "id": "42", "operation": "REMOVE", "data": map[string]any{"intel_type": "FOO"}},
		"no indicator": map[string]any{"ts": ts, "id": "42", "operation": "REMOVE", "data": map[string]any{"intel_type": "ipsrc"}},
		"bad ip":       map[string]any{"ts": ts, "id": "42", "operation": "ADD", "data": map[string]any{"intel_type": "ipsrc", "indicator": []string{"not-an-ip"}}},
		"bad ts":       map[string]any{"ts": "yesterday", "id": "42", "operation": "ADD", "data": map[string]any{"intel_type": "url", "indicator": "https://example.com"}},
		"bad op":       map[string]any{"ts": ts, "id": "42", "operation": "UPDATE", "data": map[string]any{"intel_type": "url", "indicator": "https://example.com"}},
		"no id":        map[string]any{"ts": ts, "operation": "ADD", "data": map[string]any{"intel_type": "url", "indicator": "https://example.com"}},
		"zero intel":   &Intel{},
	}

	for name, v := range cases {
		in, err := FromValue(v)
		if err == nil {
			t.Errorf("%s: expected error, got %+v", name, in)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestFromValue_Valid(t *testing.T) {
	in, err := FromValue(map[string]any{
		"ts":        "2020-09-24 08:43:43.654072+02:00",
		"id":        "42",
		"operation": "ADD",
		"data": map[string]any{
			"intel_type": "ipsrc",
			"indicator":  []string{"6.6.6.6"},
			"foo":        23,
		},
	})
	if err != nil {
		t.Fatalf("FromValue failed: %v", err)
	}
	if in.ID != "42" || in.Operation != OperationAdd || in.Data.Type != IPSrc {
		t.Errorf("unexpected intel %+v", in)
	}
	if !in.Data.Indicator.IsMany() {
		t.Error("expected sequence indicator")
	}
	if v, _ := in.Data.Indicator.First(); v != "6.6.6.6" {
		t.Errorf("expected 6.6.6.6, got %q", v)
	}
	if in.Data.Extra["foo"] != float64(23) {
		t.Errorf("expected extra foo=23, got %v", in.Data.Extra["foo"])
	}
	want := time.Date(2020, 9, 24, 6, 43, 43, 654072000, time.UTC)
	if !in.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, in.Timestamp)
	}
}

func TestIntel_JSONRoundTrip(t *testing.T) {
	data, err := NewIntelData(Single("example.com"), Domain, map[string]any{"confidence": "high"})
	if err != nil {
		t.Fatalf("NewIntelData failed: %v", err)
	}
	in, err := NewIntel(time.Date(2021, 1, 2, 3, 4, 5, 6, time.UTC), "id-1", data, OperationRemove)
	if err != nil {
		t.Fatalf("NewIntel failed: %v", err)
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Intel
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !decoded.Timestamp.Equal(in.Timestamp) || decoded.ID != in.ID || decoded.Operation != in.Operation {
		t.Errorf("round trip changed intel: %+v", decoded)
	}
	if decoded.Data.Indicator.IsMany() {
		t.Error("single indicator decoded as sequence")
	}
	if !reflect.DeepEqual(decoded.Data.Extra, in.Data.Extra) {
		t.Errorf("extra mismatch: %v", decoded.Data.Extra)
	}
}

func TestMarshal_RejectsInvalidIntel(t *testing.T) {
	in := &Intel{Timestamp: time.Now(), ID: "1", Operation: OperationAdd}
	if _, err := json.Marshal(in); err == nil {
		t.Error("expected marshal to fail for intel without data")
	}
}

func TestParseTimestamp(t *testing.T) {
	valid := []string{
		"2020-09-24T08:43:43.654072335",
		"2020-09-24T08:43:43",
		"2020-09-24T08:43:43Z",
		"2020-09-24T08:43:43.654072+02:00",
		"2020-09-24 08:43:43.654072+02:00",
		"2020-09-24 08:43:43",
	}
	for _, s := range valid {
		if _, err := ParseTimestamp(s); err != nil {
			t.Errorf("%q: unexpected error %v", s, err)
		}
	}

	invalid := []string{
		"",
		"2020 T08 :43.654072335",
		"24.09.2020 08:43",
		"1600937023",
		"2020-09-24",
		"2020-09-24 8:43:43",
		"2020-09-24T08:43:43,5",
		"2020-09-24T08:43:43.",
		"2020-09-24T08:43:43+0200",
	}
	for _, s := range invalid {
		if _, err := ParseTimestamp(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestIntelType_Text(t *testing.T) {
	for _, typ := range []IntelType{IPSrc, IPDst, URL, Domain} {
		b, err := typ.MarshalText()
		if err != nil {
			t.Fatalf("%v: %v", typ, err)
		}
		var back IntelType
		if err := back.UnmarshalText(b); err != nil || back != typ {
			t.Errorf("%s: round trip gave %v (%v)", b, back, err)
		}
	}
	if _, err := IntelTypeUnknown.MarshalText(); err == nil {
		t.Error("expected unknown type to fail")
	}
}

func TestSighting_JSONRoundTrip(t *testing.T) {
	s := &Sighting{
		Timestamp: time.Date(2020, 9, 24, 8, 43, 43, 654072335, time.UTC),
		IOC:       "6.6.6.6",
		Context:   map[string]any{"source": "VAST"},
		Intel:     "42",
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back Sighting
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.Timestamp.Equal(s.Timestamp) || back.IOC != s.IOC || back.Intel != s.Intel {
		t.Errorf("round trip changed sighting: %+v", back)
	}
}
