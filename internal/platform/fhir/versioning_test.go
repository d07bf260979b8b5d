package fhir

import "testing"

func TestFormatETag(t *testing.T) {
	if got := FormatETag(3); got != `W/"3"` {
		t.Errorf("FormatETag(3) = %q, want %q", got, `W/"3"`)
	}
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"7"`, 7, false},
		{`12`, 12, false},
		{`  W/"4" `, 4, false},
		{`W/"abc"`, 0, true},
		{``, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseETag(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseETag(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseETag(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
		ok   bool
	}{
		{"r5", VersionR5, true},
		{"R5", VersionR5, true},
		{"r4b", VersionR4B, true},
		{"R4B", VersionR4B, true},
		{"r4", "", false},
		{"", "", false},
		{"Patient", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseVersion(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseVersion(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
