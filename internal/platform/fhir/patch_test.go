package fhir

import (
	"encoding/json"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return parsed
}

func patientDoc() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "female",
		"name": []interface{}{
			map[string]interface{}{
				"family": "Doe",
				"given":  []interface{}{"Jane"},
			},
		},
	}
}

func TestApplyJSONPatch(t *testing.T) {
	tests := []struct {
		name    string
		ops     []PatchOperation
		check   func(t *testing.T, result map[string]interface{})
		wantErr bool
	}{
		{
			name: "replace scalar",
			ops:  []PatchOperation{{Op: "replace", Path: "/gender", Value: "other"}},
			check: func(t *testing.T, result map[string]interface{}) {
				if result["gender"] != "other" {
					t.Errorf("gender = %v, want other", result["gender"])
				}
			},
		},
		{
			name: "add nested field",
			ops:  []PatchOperation{{Op: "add", Path: "/name/0/prefix", Value: []interface{}{"Dr"}}},
			check: func(t *testing.T, result map[string]interface{}) {
				name := result["name"].([]interface{})[0].(map[string]interface{})
				if name["prefix"] == nil {
					t.Error("prefix not added")
				}
			},
		},
		{
			name: "append to array with dash",
			ops:  []PatchOperation{{Op: "add", Path: "/name/0/given/-", Value: "Marie"}},
			check: func(t *testing.T, result map[string]interface{}) {
				given := result["name"].([]interface{})[0].(map[string]interface{})["given"].([]interface{})
				if len(given) != 2 || given[1] != "Marie" {
					t.Errorf("given = %v, want [Jane Marie]", given)
				}
			},
		},
		{
			name: "remove field",
			ops:  []PatchOperation{{Op: "remove", Path: "/gender"}},
			check: func(t *testing.T, result map[string]interface{}) {
				if _, ok := result["gender"]; ok {
					t.Error("gender not removed")
				}
			},
		},
		{
			name: "move field",
			ops:  []PatchOperation{{Op: "move", From: "/gender", Path: "/oldGender"}},
			check: func(t *testing.T, result map[string]interface{}) {
				if result["oldGender"] != "female" {
					t.Errorf("oldGender = %v", result["oldGender"])
				}
				if _, ok := result["gender"]; ok {
					t.Error("gender still present after move")
				}
			},
		},
		{
			name: "copy field",
			ops:  []PatchOperation{{Op: "copy", From: "/gender", Path: "/genderCopy"}},
			check: func(t *testing.T, result map[string]interface{}) {
				if result["genderCopy"] != "female" || result["gender"] != "female" {
					t.Error("copy did not duplicate value")
				}
			},
		},
		{
			name: "test passes then replace",
			ops: []PatchOperation{
				{Op: "test", Path: "/gender", Value: "female"},
				{Op: "replace", Path: "/gender", Value: "unknown"},
			},
			check: func(t *testing.T, result map[string]interface{}) {
				if result["gender"] != "unknown" {
					t.Errorf("gender = %v", result["gender"])
				}
			},
		},
		{
			name:    "test fails",
			ops:     []PatchOperation{{Op: "test", Path: "/gender", Value: "male"}},
			wantErr: true,
		},
		{
			name:    "replace missing path",
			ops:     []PatchOperation{{Op: "replace", Path: "/birthDate", Value: "1990-01-01"}},
			wantErr: true,
		},
		{
			name:    "unknown op",
			ops:     []PatchOperation{{Op: "merge", Path: "/gender", Value: "x"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := patientDoc()
			result, err := ApplyJSONPatch(original, tt.ops)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyJSONPatch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			tt.check(t, result)
			if original["gender"] != "female" && tt.name != "remove field" {
				// ensure the input document survived untouched
				t.Error("input document was mutated")
			}
		})
	}
}

func TestApplyMergePatch(t *testing.T) {
	patch := map[string]interface{}{
		"gender":    "other",
		"birthDate": "1985-06-15",
	}
	result, err := ApplyMergePatch(patientDoc(), patch)
	if err != nil {
		t.Fatalf("ApplyMergePatch() error = %v", err)
	}
	if result["gender"] != "other" {
		t.Errorf("gender = %v, want other", result["gender"])
	}
	if result["birthDate"] != "1985-06-15" {
		t.Errorf("birthDate = %v", result["birthDate"])
	}

	// null removes a key per RFC 7386
	result, err = ApplyMergePatch(result, map[string]interface{}{"birthDate": nil})
	if err != nil {
		t.Fatalf("ApplyMergePatch() error = %v", err)
	}
	if _, ok := result["birthDate"]; ok {
		t.Error("null merge patch value did not remove key")
	}
}

func TestParseJSONPatch(t *testing.T) {
	ops, err := ParseJSONPatch([]byte(`[{"op":"replace","path":"/gender","value":"other"}]`))
	if err != nil {
		t.Fatalf("ParseJSONPatch() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Op != "replace" {
		t.Errorf("ops = %+v", ops)
	}

	if _, err := ParseJSONPatch([]byte(`[{"path":"/x"}]`)); err == nil {
		t.Error("expected error for missing op")
	}
	if _, err := ParseJSONPatch([]byte(`{"op":"add"}`)); err == nil {
		t.Error("expected error for non-array document")
	}
}

func TestStampMeta(t *testing.T) {
	doc := patientDoc()
	var raw json.RawMessage
	StampMeta(doc, "4", mustTime(t, "2026-01-02T03:04:05Z"))
	raw, _ = json.Marshal(doc)

	var parsed struct {
		Meta Meta `json:"meta"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Meta.VersionID != "4" {
		t.Errorf("versionId = %q, want 4", parsed.Meta.VersionID)
	}
	if parsed.Meta.LastUpdated != "2026-01-02T03:04:05Z" {
		t.Errorf("lastUpdated = %q", parsed.Meta.LastUpdated)
	}
}
