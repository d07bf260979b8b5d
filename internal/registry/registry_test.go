package registry

import (
	"errors"
	"testing"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

func boolPtr(b bool) *bool { return &b }

func testConfigs() []*ResourceConfig {
	return []*ResourceConfig{
		{
			ResourceType: "Patient",
			Versions:     []fhir.Version{fhir.VersionR5, fhir.VersionR4B},
			Interactions: []Interaction{
				InteractionRead, InteractionVRead, InteractionCreate,
				InteractionUpdate, InteractionPatch, InteractionDelete,
				InteractionSearch, InteractionHistory,
			},
			Profiles: map[string][]string{
				"R5": {"http://example.org/fhir/StructureDefinition/core-patient"},
			},
		},
		{
			ResourceType: "CarePlan",
			Versions:     []fhir.Version{fhir.VersionR5},
			Interactions: []Interaction{InteractionRead, InteractionCreate, InteractionSearch},
			Schema:       &SchemaDescriptor{Mode: "dedicated", Name: "careplan_store"},
		},
		{
			ResourceType: "Observation",
			Enabled:      boolPtr(false),
			Versions:     []fhir.Version{fhir.VersionR5},
			Interactions: []Interaction{InteractionRead},
		},
	}
}

func mustResources(t *testing.T) *Resources {
	t.Helper()
	r, err := NewResources(testConfigs())
	if err != nil {
		t.Fatalf("NewResources: %v", err)
	}
	return r
}

func TestResourcesLookup(t *testing.T) {
	r := mustResources(t)

	if _, ok := r.Lookup("Patient"); !ok {
		t.Error("Patient should be known")
	}
	if _, ok := r.Lookup("Device"); ok {
		t.Error("Device should be unknown")
	}

	// disabled types stay distinguishable from unknown ones
	cfg, ok := r.Lookup("Observation")
	if !ok {
		t.Fatal("Observation should be known")
	}
	if cfg.IsEnabled() {
		t.Error("Observation should be disabled")
	}
}

func TestEnabledResourceTypesSortedAndFiltered(t *testing.T) {
	r := mustResources(t)

	got := r.EnabledResourceTypes()
	want := []string{"CarePlan", "Patient"}
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchemaPlacement(t *testing.T) {
	r := mustResources(t)

	if p := r.SchemaPlacement("Patient"); p.Dedicated || p.Schema != DefaultSchema {
		t.Errorf("Patient placement = %+v, want shared", p)
	}
	if p := r.SchemaPlacement("CarePlan"); !p.Dedicated || p.Schema != "careplan_store" {
		t.Errorf("CarePlan placement = %+v, want dedicated careplan_store", p)
	}
	if p := r.SchemaPlacement("Nope"); p.Dedicated {
		t.Errorf("unknown type placement = %+v, want shared", p)
	}
}

func TestNewResourcesRejectsBadSchemaName(t *testing.T) {
	_, err := NewResources([]*ResourceConfig{{
		ResourceType: "Evil",
		Versions:     []fhir.Version{fhir.VersionR5},
		Schema:       &SchemaDescriptor{Mode: "dedicated", Name: "bad;DROP TABLE"},
	}})
	if err == nil {
		t.Fatal("expected error for schema name with SQL metacharacters")
	}
}

func TestRequiredProfiles(t *testing.T) {
	r := mustResources(t)

	profiles := r.RequiredProfiles("Patient", fhir.VersionR5)
	if len(profiles) != 1 || profiles[0] != "http://example.org/fhir/StructureDefinition/core-patient" {
		t.Errorf("profiles = %v", profiles)
	}
	if got := r.RequiredProfiles("Patient", fhir.VersionR4B); len(got) != 0 {
		t.Errorf("R4B profiles = %v, want none", got)
	}
}

func TestGuardOrdering(t *testing.T) {
	g := NewGuard(mustResources(t))

	tests := []struct {
		name        string
		resource    string
		version     fhir.Version
		interaction Interaction
		wantKind    fhir.ErrorKind
		wantOK      bool
	}{
		{"allowed", "Patient", fhir.VersionR5, InteractionUpdate, 0, true},
		{"unknown type", "Device", fhir.VersionR5, InteractionRead, fhir.KindNotFound, false},
		{"disabled type reads as unknown", "Observation", fhir.VersionR5, InteractionRead, fhir.KindNotFound, false},
		{"unsupported version", "CarePlan", fhir.VersionR4B, InteractionRead, fhir.KindUnsupportedVersion, false},
		{"disabled interaction", "CarePlan", fhir.VersionR5, InteractionDelete, fhir.KindDisabledInteraction, false},
		// type check precedes interaction check: an unknown type with a
		// disabled interaction reports unknown type
		{"type check first", "Device", fhir.VersionR5, InteractionDelete, fhir.KindNotFound, false},
		// version check precedes interaction check
		{"version check before interaction", "CarePlan", fhir.VersionR4B, InteractionDelete, fhir.KindUnsupportedVersion, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Validate(tt.resource, tt.version, tt.interaction)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, &fhir.Error{Kind: tt.wantKind}) {
				t.Errorf("kind = %v, want %v", fhir.KindOf(err), tt.wantKind)
			}
		})
	}
}

// The three guard failures stay distinguishable by kind even where their HTTP
// statuses coincide.
func TestGuardFailuresAreDistinctKinds(t *testing.T) {
	g := NewGuard(mustResources(t))

	unknown := g.Validate("Device", fhir.VersionR5, InteractionRead)
	unsupported := g.Validate("CarePlan", fhir.VersionR4B, InteractionRead)
	disabled := g.Validate("CarePlan", fhir.VersionR5, InteractionDelete)

	kinds := map[fhir.ErrorKind]bool{
		fhir.KindOf(unknown):     true,
		fhir.KindOf(unsupported): true,
		fhir.KindOf(disabled):    true,
	}
	if len(kinds) != 3 {
		t.Errorf("kinds collapse: unknown=%v unsupported=%v disabled=%v",
			fhir.KindOf(unknown), fhir.KindOf(unsupported), fhir.KindOf(disabled))
	}
	if errors.Is(unsupported, &fhir.Error{Kind: fhir.KindNotFound}) {
		t.Errorf("version failure matches KindNotFound: %v", unsupported)
	}
	// both still surface as 404 at the API
	if got, want := fhir.StatusOf(unsupported), fhir.StatusOf(unknown); got != want {
		t.Errorf("status = %d, want %d", got, want)
	}
}

func baseDefs() map[fhir.Version][]*SearchParamDef {
	return map[fhir.Version][]*SearchParamDef{
		fhir.VersionR5: BaseParameterDefaults(),
	}
}

func typeDefs() map[fhir.Version][]*SearchParamDef {
	return map[fhir.Version][]*SearchParamDef{
		fhir.VersionR5: {
			{Code: "birthdate", Base: []string{"Patient"}, Type: SearchParamDate, Expression: "Patient.birthDate"},
			{Code: "gender", Base: []string{"Patient"}, Type: SearchParamToken, Expression: "Patient.gender"},
			{Code: "name", Base: []string{"Patient"}, Type: SearchParamString, Expression: "Patient.name"},
			{Code: "status", Base: []string{"CarePlan"}, Type: SearchParamToken, Expression: "CarePlan.status"},
		},
	}
}

func TestSearchParamsDefinition(t *testing.T) {
	sp := NewSearchParams(mustResources(t), baseDefs(), typeDefs())

	def, ok := sp.Definition("Patient", fhir.VersionR5, "birthdate")
	if !ok || def.Type != SearchParamDate {
		t.Errorf("birthdate def = (%+v, %v)", def, ok)
	}

	if _, ok := sp.Definition("Patient", fhir.VersionR5, "status"); ok {
		t.Error("CarePlan-only code resolved for Patient")
	}
	if _, ok := sp.Definition("Patient", fhir.VersionR4B, "birthdate"); ok {
		t.Error("R5-only code resolved for R4B")
	}

	// base codes resolve for every type
	if _, ok := sp.Definition("CarePlan", fhir.VersionR5, "_id"); !ok {
		t.Error("_id should resolve for all types")
	}
}

func TestSearchParamsAllowList(t *testing.T) {
	configs := testConfigs()
	configs[0].SearchParams = []string{"birthdate"} // restrict Patient
	r, err := NewResources(configs)
	if err != nil {
		t.Fatalf("NewResources: %v", err)
	}
	sp := NewSearchParams(r, baseDefs(), typeDefs())

	if _, ok := sp.Definition("Patient", fhir.VersionR5, "birthdate"); !ok {
		t.Error("allow-listed code should resolve")
	}
	if _, ok := sp.Definition("Patient", fhir.VersionR5, "gender"); ok {
		t.Error("code outside allow-list resolved")
	}
	if _, ok := sp.Definition("Patient", fhir.VersionR5, "_id"); !ok {
		t.Error("base codes must survive the allow-list")
	}
}

func TestAllowedForSorted(t *testing.T) {
	sp := NewSearchParams(mustResources(t), baseDefs(), typeDefs())

	defs := sp.AllowedFor("Patient", fhir.VersionR5)
	if len(defs) == 0 {
		t.Fatal("no definitions returned")
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Code >= defs[i].Code {
			t.Fatalf("codes not sorted: %q before %q", defs[i-1].Code, defs[i].Code)
		}
	}
}
