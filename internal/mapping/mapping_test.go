package mapping

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"threatbus/vast-bridge/internal/intel"
)

type fixture struct {
	ts           time.Time
	id           string
	intel        *intel.Intel
	queryResult  string
	matcherMatch string
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	ts := time.Now().Truncate(time.Microsecond)
	data, err := intel.NewIntelData(intel.Many("6.6.6.6"), intel.IPSrc, map[string]any{"foo": 23})
	if err != nil {
		t.Fatalf("NewIntelData failed: %v", err)
	}
	in, err := intel.NewIntel(ts, "42", data, intel.OperationRemove)
	if err != nil {
		t.Fatalf("NewIntel failed: %v", err)
	}

	// Same shape as a printed Python datetime: space separator, microseconds, offset.
	tsStr := ts.Format("2006-01-02 15:04:05.000000-07:00")
	return fixture{
		ts:    ts,
		id:    "42",
		intel: in,
		queryResult: fmt.Sprintf(`{"ts": "%s", "uid": "CArLTF3OEJAsF1A41h", "id.orig_h": "6.6.6.6", "id.orig_p": "20004/tcp", "id.resp_h": "172.31.129.37", "id.resp_p": "40731/tcp", "proto": "tcp", "service": null, "duration": "10.75ms", "orig_bytes": 260, "resp_bytes": 352, "conn_state": "SF", "local_orig": null, "local_resp": null, "missed_bytes": 0, "history": "DadAFf", "orig_pkts": 5, "orig_ip_bytes": 520, "resp_pkts": 5, "resp_ip_bytes": 612, "tunnel_parents": []}`,
			tsStr),
		matcherMatch: fmt.Sprintf(`{"ts": "%s", "data_id": 8, "indicator_id": 5, "matcher": "threatbus-syeocdkfcy", "ioc": "6.6.6.6", "reference": "threatbus__42"}`,
			tsStr),
	}
}

func mustIntel(t *testing.T, ind intel.Indicator, typ intel.IntelType) *intel.Intel {
	t.Helper()
	data, err := intel.NewIntelData(ind, typ, nil)
	if err != nil {
		t.Fatalf("NewIntelData failed: %v", err)
	}
	in, err := intel.NewIntel(time.Now(), "42", data, intel.OperationAdd)
	if err != nil {
		t.Fatalf("NewIntel failed: %v", err)
	}
	return in
}

// malformedIntel returns hand-built intel values that bypass validation
func malformedIntel() map[string]*intel.Intel {
	ts := time.Now()
	return map[string]*intel.Intel{
		"nil":             nil,
		"missing data":    {Timestamp: ts, ID: "42", Operation: intel.OperationAdd},
		"empty data":      {Timestamp: ts, ID: "42", Data: &intel.IntelData{}, Operation: intel.OperationAdd},
		"unknown type":    {Timestamp: ts, ID: "42", Data: &intel.IntelData{Indicator: intel.Single("x"), Type: intel.IntelType(99)}, Operation: intel.OperationAdd},
		"empty indicator": {Timestamp: ts, ID: "42", Data: &intel.IntelData{Indicator: intel.Many(), Type: intel.IPSrc}, Operation: intel.OperationAdd},
	}
}

func TestMalformedIntel_NoResult(t *testing.T) {
	f := newFixture(t)

	for name, in := range malformedIntel() {
		t.Run(name, func(t *testing.T) {
			if v, ok := GetIOC(in); ok {
				t.Errorf("GetIOC returned %q", v)
			}
			if v, ok := GetVastIntelType(in); ok {
				t.Errorf("GetVastIntelType returned %q", v)
			}
			if v, ok := ToVastIOC(in); ok {
				t.Errorf("ToVastIOC returned %q", v)
			}
			if v, ok := ToVastQuery(in); ok {
				t.Errorf("ToVastQuery returned %q", v)
			}
			if s, ok := QueryResultToSighting(f.queryResult, in); ok || s != nil {
				t.Errorf("QueryResultToSighting returned %+v", s)
			}
		})
	}
}

func TestGetIOC(t *testing.T) {
	f := newFixture(t)

	ioc, ok := GetIOC(f.intel)
	if !ok {
		t.Fatal("expected an IOC")
	}
	if ioc != "6.6.6.6" {
		t.Errorf("expected 6.6.6.6, got %q", ioc)
	}

	ioc, ok = GetIOC(mustIntel(t, intel.Single("example.com"), intel.Domain))
	if !ok || ioc != "example.com" {
		t.Errorf("expected example.com, got %q (ok=%v)", ioc, ok)
	}
}

func TestGetVastIntelType(t *testing.T) {
	cases := []struct {
		ind  intel.Indicator
		typ  intel.IntelType
		want string
	}{
		{intel.Many("6.6.6.6"), intel.IPSrc, "ip"},
		{intel.Many("6.6.6.6"), intel.IPDst, "ip"},
		{intel.Single("https://example.com/foo/bar"), intel.URL, "url"},
		{intel.Single("example.com"), intel.Domain, "domain"},
	}

	for _, tc := range cases {
		got, ok := GetVastIntelType(mustIntel(t, tc.ind, tc.typ))
		if !ok {
			t.Errorf("%s: expected a type tag", tc.typ)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.typ, tc.want, got)
		}
	}
}

func TestToVastIOC(t *testing.T) {
	f := newFixture(t)

	msg, ok := ToVastIOC(f.intel)
	if !ok {
		t.Fatal("expected an ingestion record")
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(msg), &got); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	want := map[string]any{
		"ioc":       "6.6.6.6",
		"type":      "ip",
		"reference": "threatbus__42",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestToVastQuery(t *testing.T) {
	f := newFixture(t)

	if q, _ := ToVastQuery(f.intel); q != "6.6.6.6" {
		t.Errorf("IP query: got %q", q)
	}

	url := "https://example.com/foo/bar"
	q, ok := ToVastQuery(mustIntel(t, intel.Single(url), intel.URL))
	if !ok || q != `"https://example.com/foo/bar" in url` {
		t.Errorf("URL query: got %q (ok=%v)", q, ok)
	}

	q, ok = ToVastQuery(mustIntel(t, intel.Single("example.com"), intel.Domain))
	want := `"example.com" in domain || "example.com" in host || "example.com" in hostname`
	if !ok || q != want {
		t.Errorf("domain query: got %q (ok=%v)", q, ok)
	}
}

func TestQueryResultToSighting(t *testing.T) {
	f := newFixture(t)

	s, ok := QueryResultToSighting(f.queryResult, f.intel)
	if !ok {
		t.Fatal("expected a sighting")
	}
	if !s.Timestamp.Equal(f.ts) {
		t.Errorf("expected ts %v, got %v", f.ts, s.Timestamp)
	}
	if s.IOC != "6.6.6.6" {
		t.Errorf("expected ioc 6.6.6.6, got %q", s.IOC)
	}
	if s.Intel != f.id {
		t.Errorf("expected intel %q, got %q", f.id, s.Intel)
	}

	want, _ := decodeObject(f.queryResult)
	want["source"] = "VAST"
	if !reflect.DeepEqual(s.Context, want) {
		t.Errorf("context mismatch:\nwant %v\ngot  %v", want, s.Context)
	}
	if s.Context["orig_bytes"] != json.Number("260") {
		t.Errorf("numbers should be forwarded verbatim, got %#v", s.Context["orig_bytes"])
	}
}

func TestQueryResultToSighting_InvalidResult(t *testing.T) {
	f := newFixture(t)

	invalid := []string{
		"",
		"42",
		"null",
		"[]",
		"some non-json string",
		`{"uid": "CArLTF3OEJAsF1A41h"}`,
		`{"ts": 1600937023}`,
		`{"ts": "2020 T08 :43.654072335"}`,
		`{"ts": "2020-09-24T08:43:43"} {"ts": "2020-09-24T08:43:43"}`,
		`{"ts": "2020-09-24T08:43:43"}]`,
		`{"ts": "2020-09-24T08:43:43"}}`,
		`{"ts": "2020-09-24 8:43:43"}`,
		`{"ts": "2020-09-24T08:43:43,5"}`,
	}
	for _, result := range invalid {
		if s, ok := QueryResultToSighting(result, f.intel); ok {
			t.Errorf("%q: expected no result, got %+v", result, s)
		}
	}
}

func TestMatcherResultToSighting(t *testing.T) {
	f := newFixture(t)

	s, ok := MatcherResultToSighting(f.matcherMatch)
	if !ok {
		t.Fatal("expected a sighting")
	}
	if !s.Timestamp.Equal(f.ts) {
		t.Errorf("expected ts %v, got %v", f.ts, s.Timestamp)
	}
	if s.IOC != "6.6.6.6" {
		t.Errorf("expected ioc 6.6.6.6, got %q", s.IOC)
	}
	if !reflect.DeepEqual(s.Context, map[string]any{"source": "VAST"}) {
		t.Errorf("expected minimal context, got %v", s.Context)
	}
	if s.Intel != f.id {
		t.Errorf("expected intel %q, got %q", f.id, s.Intel)
	}
}

func TestMatcherResultToSighting_NaiveTimestamp(t *testing.T) {
	s, ok := MatcherResultToSighting(`{"ts": "2020-09-24T08:43:43.654072335", "ioc": "foo", "reference": "threatbus__86"}`)
	if !ok {
		t.Fatal("expected a sighting")
	}
	want := time.Date(2020, 9, 24, 8, 43, 43, 654072335, time.UTC)
	if !s.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, s.Timestamp)
	}
	if s.Intel != "86" {
		t.Errorf("expected intel 86, got %q", s.Intel)
	}
}

func TestMatcherResultToSighting_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":               "",
		"number":              "42",
		"non-json":            "some non-json string",
		"missing ioc":         `{"ts": "2020-09-24T08:43:43.654072335", "reference": "threatbus__86"}`,
		"empty ioc":           `{"ts": "2020-09-24T08:43:43.654072335", "ioc": "", "reference": "threatbus__86"}`,
		"malformed reference": `{"ts": "2020-09-24T08:43:43.654072335", "ioc": "foo", "reference": "86"}`,
		"empty reference id":  `{"ts": "2020-09-24T08:43:43.654072335", "ioc": "foo", "reference": "threatbus__"}`,
		"missing reference":   `{"ts": "2020-09-24T08:43:43.654072335", "ioc": "foo"}`,
		"malformed ts":        `{"ts": "2020 T08 :43.654072335", "ioc": "foo", "reference": "threatbus__86"}`,
		"missing ts":          `{"ioc": "foo", "reference": "threatbus__86"}`,
		"numeric ioc":         `{"ts": "2020-09-24T08:43:43.654072335", "ioc": 5, "reference": "threatbus__86"}`,
		"one digit hour":      `{"ts": "2020-09-24 8:43:43", "ioc": "foo", "reference": "threatbus__86"}`,
		"comma fraction":      `{"ts": "2020-09-24T08:43:43,5", "ioc": "foo", "reference": "threatbus__86"}`,
		"trailing bracket":    `{"ts": "2020-09-24T08:43:43", "ioc": "foo", "reference": "threatbus__86"}]`,
		"trailing brace":      `{"ts": "2020-09-24T08:43:43", "ioc": "foo", "reference": "threatbus__86"}}`,
	}
	for name, result := range cases {
		if s, ok := MatcherResultToSighting(result); ok {
			t.Errorf("%s: expected no result, got %+v", name, s)
		}
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	for _, id := range []string{"42", "indicator--8e2e2d2b-17d4-4cbf-938f-98ee46b3cd3f", "a__b"} {
		data, _ := intel.NewIntelData(intel.Single("example.com"), intel.Domain, nil)
		in, err := intel.NewIntel(time.Now(), id, data, intel.OperationAdd)
		if err != nil {
			t.Fatalf("NewIntel failed: %v", err)
		}

		msg, ok := ToVastIOC(in)
		if !ok {
			t.Fatalf("%s: expected an ingestion record", id)
		}
		var rec IngestRecord
		if err := json.Unmarshal([]byte(msg), &rec); err != nil {
			t.Fatalf("%s: %v", id, err)
		}

		match, _ := json.Marshal(map[string]any{
			"ts":        "2020-09-24T08:43:43.654072335",
			"ioc":       rec.IOC,
			"reference": rec.Reference,
			"matcher":   "threatbus-abcdefghij",
		})
		s, ok := MatcherResultToSighting(string(match))
		if !ok {
			t.Fatalf("%s: expected a sighting", id)
		}
		if s.Intel != id {
			t.Errorf("expected intel %q, got %q", id, s.Intel)
		}
	}
}

func TestConcurrentUse(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, ok := ToVastQuery(f.intel); !ok {
					t.Error("ToVastQuery failed")
				}
				if _, ok := QueryResultToSighting(f.queryResult, f.intel); !ok {
					t.Error("QueryResultToSighting failed")
				}
				if _, ok := MatcherResultToSighting(f.matcherMatch); !ok {
					t.Error("MatcherResultToSighting failed")
				}
			}
		}()
	}
	wg.Wait()
}
