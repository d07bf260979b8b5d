package fhir

import (
	"encoding/json"
	"testing"
)

func TestPaginationLinks(t *testing.T) {
	tests := []struct {
		name          string
		params        PageParams
		wantRelations []string
	}{
		{
			name:          "first page with more results",
			params:        PageParams{BaseURL: "/fhir/r5/Patient", Count: 20, Offset: 0, Total: 50},
			wantRelations: []string{"self", "first", "next", "last"},
		},
		{
			name:          "middle page",
			params:        PageParams{BaseURL: "/fhir/r5/Patient", Count: 20, Offset: 20, Total: 50},
			wantRelations: []string{"self", "first", "previous", "next", "last"},
		},
		{
			name:          "last page",
			params:        PageParams{BaseURL: "/fhir/r5/Patient", Count: 20, Offset: 40, Total: 50},
			wantRelations: []string{"self", "first", "previous", "last"},
		},
		{
			name:          "single page",
			params:        PageParams{BaseURL: "/fhir/r5/Patient", Count: 20, Offset: 0, Total: 5},
			wantRelations: []string{"self", "first", "last"},
		},
		{
			name:          "count zero emits no next or last",
			params:        PageParams{BaseURL: "/fhir/r5/Patient", Count: 0, Offset: 0, Total: 5},
			wantRelations: []string{"self", "first"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := PaginationLinks(tt.params)
			got := make([]string, len(links))
			for i, l := range links {
				got[i] = l.Relation
			}
			if len(got) != len(tt.wantRelations) {
				t.Fatalf("relations = %v, want %v", got, tt.wantRelations)
			}
			for i := range got {
				if got[i] != tt.wantRelations[i] {
					t.Errorf("relation[%d] = %q, want %q", i, got[i], tt.wantRelations[i])
				}
			}
		})
	}
}

func TestPaginationLinksPreserveQuery(t *testing.T) {
	links := PaginationLinks(PageParams{
		BaseURL:  "/fhir/r5/Patient",
		QueryStr: "birthdate=gt1985-01-01",
		Count:    10,
		Offset:   0,
		Total:    25,
	})

	for _, l := range links {
		want := "/fhir/r5/Patient?birthdate=gt1985-01-01&_count=10"
		if len(l.URL) < len(want) || l.URL[:len(want)] != want {
			t.Errorf("link %s = %q, want prefix %q", l.Relation, l.URL, want)
		}
	}
}

func TestNewSearchBundle(t *testing.T) {
	resources := []json.RawMessage{
		json.RawMessage(`{"resourceType":"Patient","id":"a1"}`),
		json.RawMessage(`{"resourceType":"Patient","id":"b2"}`),
	}

	b := NewSearchBundle(resources, PageParams{BaseURL: "/fhir/r5/Patient", Count: 20, Offset: 0, Total: 2})

	if b.Type != "searchset" {
		t.Errorf("type = %q, want searchset", b.Type)
	}
	if b.Total == nil || *b.Total != 2 {
		t.Errorf("total = %v, want 2", b.Total)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("entries = %d, want 2", len(b.Entry))
	}
	if b.Entry[0].FullURL != "Patient/a1" {
		t.Errorf("fullUrl = %q, want Patient/a1", b.Entry[0].FullURL)
	}
	if b.Entry[0].Search == nil || b.Entry[0].Search.Mode != "match" {
		t.Error("search mode missing")
	}
}

func TestNewHistoryBundle(t *testing.T) {
	entries := []BundleEntry{
		{Request: &BundleRequest{Method: "DELETE", URL: "Patient/a1"}},
		{Request: &BundleRequest{Method: "PUT", URL: "Patient/a1"}},
		{Request: &BundleRequest{Method: "POST", URL: "Patient"}},
	}
	b := NewHistoryBundle(entries, 3)
	if b.Type != "history" {
		t.Errorf("type = %q, want history", b.Type)
	}
	if b.Total == nil || *b.Total != 3 {
		t.Errorf("total = %v, want 3", b.Total)
	}
	if b.Entry[0].Request.Method != "DELETE" {
		t.Error("entry order changed")
	}
}
