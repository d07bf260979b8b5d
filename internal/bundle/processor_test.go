package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// fakeTx runs the function directly and records whether a rollback happened
// (signalled by the function returning an error).
type fakeTx struct {
	calls      int
	rolledBack bool
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	if err := fn(ctx); err != nil {
		f.rolledBack = true
		return err
	}
	return nil
}

type fakePerformer struct {
	performed []*Entry
	failOn    string // path substring that triggers a failure
}

func (f *fakePerformer) Perform(_ context.Context, _ fhir.Version, entry *Entry) (*EntryResult, error) {
	f.performed = append(f.performed, entry)
	if f.failOn != "" && strings.Contains(entry.Path, f.failOn) {
		return nil, fhir.E(fhir.KindValidation, "rejected")
	}

	status := http.StatusOK
	if entry.Method == http.MethodPost {
		status = http.StatusCreated
	}
	return &EntryResult{
		Status:   status,
		ETag:     `W/"1"`,
		Resource: json.RawMessage(`{"resourceType":"Patient","id":"p-1"}`),
	}, nil
}

func requestEntry(method, url string, resource map[string]interface{}) map[string]interface{} {
	entry := map[string]interface{}{
		"request": map[string]interface{}{"method": method, "url": url},
	}
	if resource != nil {
		entry["resource"] = resource
	}
	return entry
}

func bundleDoc(bundleType string, entries ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         bundleType,
		"entry":        list,
	}
}

func TestProcessRejectsOtherBundleTypes(t *testing.T) {
	p := NewProcessor(&fakeTx{}, zerolog.Nop())

	for _, bundleType := range []string{"searchset", "history", "collection", ""} {
		_, err := p.Process(context.Background(), fhir.VersionR5,
			bundleDoc(bundleType, requestEntry("GET", "Patient/p-1", nil)), &fakePerformer{})
		if !errors.Is(err, &fhir.Error{Kind: fhir.KindInvalid}) {
			t.Errorf("type %q: kind = %v, want KindInvalid", bundleType, fhir.KindOf(err))
		}
	}
}

func TestProcessExecutionOrder(t *testing.T) {
	p := NewProcessor(&fakeTx{}, zerolog.Nop())
	performer := &fakePerformer{}

	doc := bundleDoc("batch",
		requestEntry("GET", "Patient/p-1", nil),
		requestEntry("PUT", "Patient/p-2", map[string]interface{}{"resourceType": "Patient", "id": "p-2"}),
		requestEntry("POST", "Patient", map[string]interface{}{"resourceType": "Patient"}),
		requestEntry("DELETE", "Patient/p-3", nil),
	)

	if _, err := p.Process(context.Background(), fhir.VersionR5, doc, performer); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var methods []string
	for _, entry := range performer.performed {
		methods = append(methods, entry.Method)
	}
	want := []string{"DELETE", "POST", "PUT", "GET"}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", methods, want)
		}
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	tx := &fakeTx{}
	p := NewProcessor(tx, zerolog.Nop())
	performer := &fakePerformer{failOn: "p-bad"}

	doc := bundleDoc("batch",
		requestEntry("GET", "Patient/p-1", nil),
		requestEntry("GET", "Patient/p-bad", nil),
	)

	result, err := p.Process(context.Background(), fhir.VersionR5, doc, performer)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Type != "batch-response" {
		t.Errorf("type = %q", result.Type)
	}
	if len(result.Entry) != 2 {
		t.Fatalf("entries = %d, want 2", len(result.Entry))
	}
	if tx.calls != 0 {
		t.Error("batch must not open a transaction")
	}

	statuses := []string{result.Entry[0].Response.Status, result.Entry[1].Response.Status}
	okSeen, failSeen := false, false
	for _, s := range statuses {
		if strings.HasPrefix(s, "200") {
			okSeen = true
		}
		if strings.HasPrefix(s, "422") {
			failSeen = true
		}
	}
	if !okSeen || !failSeen {
		t.Errorf("statuses = %v, want one 200 and one 422", statuses)
	}
}

func TestProcessTransactionRollsBack(t *testing.T) {
	tx := &fakeTx{}
	p := NewProcessor(tx, zerolog.Nop())
	performer := &fakePerformer{failOn: "p-bad"}

	doc := bundleDoc("transaction",
		requestEntry("GET", "Patient/p-1", nil),
		requestEntry("GET", "Patient/p-bad", nil),
	)

	_, err := p.Process(context.Background(), fhir.VersionR5, doc, performer)
	if !errors.Is(err, &fhir.Error{Kind: fhir.KindValidation}) {
		t.Fatalf("kind = %v, want KindValidation", fhir.KindOf(err))
	}
	if tx.calls != 1 || !tx.rolledBack {
		t.Errorf("tx calls=%d rolledBack=%v", tx.calls, tx.rolledBack)
	}
}

func TestProcessTransactionResolvesPlaceholders(t *testing.T) {
	p := NewProcessor(&fakeTx{}, zerolog.Nop())
	performer := &fakePerformer{}

	doc := bundleDoc("transaction",
		map[string]interface{}{
			"fullUrl": "urn:uuid:11111111-1111-1111-1111-111111111111",
			"request": map[string]interface{}{"method": "POST", "url": "Patient"},
			"resource": map[string]interface{}{
				"resourceType": "Patient",
			},
		},
		requestEntry("POST", "Observation", map[string]interface{}{
			"resourceType": "Observation",
			"status":       "final",
			"subject": map[string]interface{}{
				"reference": "urn:uuid:11111111-1111-1111-1111-111111111111",
			},
		}),
	)

	if _, err := p.Process(context.Background(), fhir.VersionR5, doc, performer); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var patientEntry, obsEntry *Entry
	for _, entry := range performer.performed {
		switch entry.Resource["resourceType"] {
		case "Patient":
			patientEntry = entry
		case "Observation":
			obsEntry = entry
		}
	}
	if patientEntry == nil || patientEntry.AssignedID == "" {
		t.Fatal("placeholder POST entry got no assigned id")
	}

	subject := obsEntry.Resource["subject"].(map[string]interface{})
	want := "Patient/" + patientEntry.AssignedID
	if subject["reference"] != want {
		t.Errorf("reference = %v, want %v", subject["reference"], want)
	}
}

func TestParseEntriesValidation(t *testing.T) {
	p := NewProcessor(&fakeTx{}, zerolog.Nop())

	tests := []struct {
		name string
		doc  map[string]interface{}
	}{
		{"no entries", bundleDoc("batch")},
		{"missing request", bundleDoc("batch", map[string]interface{}{"resource": map[string]interface{}{}})},
		{"missing url", bundleDoc("batch", map[string]interface{}{
			"request": map[string]interface{}{"method": "GET"}})},
		{"bad method", bundleDoc("batch", requestEntry("TRACE", "Patient", nil))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), fhir.VersionR5, tt.doc, &fakePerformer{})
			if !errors.Is(err, &fhir.Error{Kind: fhir.KindInvalid}) {
				t.Errorf("kind = %v, want KindInvalid", fhir.KindOf(err))
			}
		})
	}
}
