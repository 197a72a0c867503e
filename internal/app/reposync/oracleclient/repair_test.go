package oracleclient

import (
	"encoding/json"
	"testing"
)

func TestRepair_ClosesUnbalancedAndStripsTrailingCommas(t *testing.T) {
	broken := `{"tags": ["a", "b",], "nested": {"x": 1,`
	repaired := Repair(broken)
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		t.Fatalf("expected valid JSON after repair, got %q: %v", repaired, err)
	}
}

func TestRepair_TruncatesTrailingGarbage(t *testing.T) {
	noisy := `{"ok": true} some trailing commentary from the model`
	repaired := Repair(noisy)
	if repaired != `{"ok": true}` {
		t.Fatalf("expected trailing text truncated, got %q", repaired)
	}
}

func TestRepair_IsIdempotent(t *testing.T) {
	inputs := []string{
		`{"a": 1, "b": [1,2,],}`,
		`{"a": {"b": [1, 2`,
		`{"ok": true} garbage`,
		`{"valid":"json"}`,
	}
	for _, in := range inputs {
		once := Repair(in)
		var probe interface{}
		if json.Unmarshal([]byte(once), &probe) != nil {
			continue // only the idempotence property for inputs that do parse
		}
		twice := Repair(once)
		if once != twice {
			t.Fatalf("repair not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestExtractJSONObject_FindsFirstBalancedObject(t *testing.T) {
	reply := `Sure, here is the analysis: {"confidence": 0.9} and some trailing text`
	obj, ok := ExtractJSONObject(reply)
	if !ok {
		t.Fatalf("expected balanced object to be found")
	}
	if obj != `{"confidence": 0.9}` {
		t.Fatalf("unexpected extraction: %q", obj)
	}
}
