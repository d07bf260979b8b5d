package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fhirbox/fhirbox/internal/operations"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

func TestLoadTools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	content := `[
		{
			"name": "convert",
			"scope": "system",
			"endpoint": "http://tools.internal/convert",
			"timeout": 5000000000
		},
		{
			"name": "summarize",
			"scope": "instance",
			"resourceType": "Patient",
			"versions": ["R5"],
			"requiredParams": ["profile"],
			"endpoint": "http://tools.internal/summarize"
		}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tools file: %v", err)
	}

	tools, err := loadTools(path)
	if err != nil {
		t.Fatalf("loadTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}

	if tools[0].Name != "convert" || tools[0].Scope != operations.ScopeSystem {
		t.Errorf("tools[0] = %+v", tools[0])
	}
	if tools[0].Timeout != 5*time.Second {
		t.Errorf("tools[0].Timeout = %v, want 5s", tools[0].Timeout)
	}

	if tools[1].ResourceType != "Patient" {
		t.Errorf("tools[1].ResourceType = %q", tools[1].ResourceType)
	}
	if len(tools[1].Versions) != 1 || tools[1].Versions[0] != fhir.VersionR5 {
		t.Errorf("tools[1].Versions = %v", tools[1].Versions)
	}
	if len(tools[1].RequiredParams) != 1 || tools[1].RequiredParams[0] != "profile" {
		t.Errorf("tools[1].RequiredParams = %v", tools[1].RequiredParams)
	}
}

func TestLoadToolsErrors(t *testing.T) {
	if _, err := loadTools(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadTools(path); err == nil {
		t.Error("expected error for malformed file")
	}
}
