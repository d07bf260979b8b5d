package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/cache"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/tenant"
)

type fakePlugin struct {
	name   string
	kind   Kind
	order  int
	mode   Mode
	result *Result
	err    error

	mu    sync.Mutex
	calls int
	trace *[]string
}

func (p *fakePlugin) Name() string { return p.name }
func (p *fakePlugin) Kind() Kind   { return p.kind }
func (p *fakePlugin) Order() int   { return p.order }
func (p *fakePlugin) Mode() Mode {
	if p.mode == "" {
		return ModeSync
	}
	return p.mode
}

func (p *fakePlugin) Execute(_ context.Context, _ *Request) (*Result, error) {
	p.mu.Lock()
	p.calls++
	if p.trace != nil {
		*p.trace = append(*p.trace, p.name)
	}
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return Continue(), nil
}

func testOrchestrator(plugins ...Plugin) (*Orchestrator, *Executor) {
	reg := NewRegistry()
	for _, p := range plugins {
		reg.Register(p)
	}
	exec := NewExecutor(1, 16, time.Second, nil, zerolog.Nop())
	return NewOrchestrator(reg, cache.NewMemoryStore(), time.Minute, exec, zerolog.Nop()), exec
}

func readRequest() *Request {
	return &Request{
		Interaction:  registry.InteractionRead,
		ResourceType: "Patient",
		ResourceID:   "p-1",
		Version:      fhir.VersionR5,
		Tenant:       &tenant.Tenant{InternalID: "acme", Enabled: true},
	}
}

func okCore(body string) func(ctx context.Context) (*Response, error) {
	return func(ctx context.Context) (*Response, error) {
		return &Response{Resource: json.RawMessage(body), Status: http.StatusOK, ETag: `W/"1"`}, nil
	}
}

func TestPipelineOrderWithinKind(t *testing.T) {
	var trace []string
	o, exec := testOrchestrator(
		&fakePlugin{name: "second", kind: KindBusinessBefore, order: 10, trace: &trace},
		&fakePlugin{name: "first", kind: KindBusinessBefore, order: 1, trace: &trace},
	)
	defer exec.Close()

	req := readRequest()
	req.Interaction = registry.InteractionCreate // skip the cache path
	req.ResourceID = ""
	if _, err := o.Execute(context.Background(), req, okCore(`{}`)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(trace) != 2 || trace[0] != "first" || trace[1] != "second" {
		t.Errorf("trace = %v", trace)
	}
}

func TestPipelineAuthnAbort(t *testing.T) {
	o, exec := testOrchestrator(
		&fakePlugin{name: "deny", kind: KindAuthentication, result: &Result{Abort: true}},
		&fakePlugin{name: "never", kind: KindBusinessBefore},
	)
	defer exec.Close()

	_, err := o.Execute(context.Background(), readRequest(), okCore(`{}`))
	if err == nil {
		t.Fatal("Execute() = nil, want abort")
	}
	status, outcome := Translate(err)
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
	if outcome == nil || outcome.ResourceType != "OperationOutcome" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestPipelineAuthzAbortKeepsPluginStatus(t *testing.T) {
	o, exec := testOrchestrator(
		&fakePlugin{name: "deny", kind: KindAuthorization, result: &Result{
			Abort:   true,
			Outcome: fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForbidden, "nope"),
		}},
	)
	defer exec.Close()

	_, err := o.Execute(context.Background(), readRequest(), okCore(`{}`))
	status, _ := Translate(err)
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
}

func TestPipelineCacheHitShortCircuits(t *testing.T) {
	coreCalls := 0
	core := func(ctx context.Context) (*Response, error) {
		coreCalls++
		return &Response{Resource: json.RawMessage(`{"id":"p-1"}`), Status: http.StatusOK, ETag: `W/"1"`}, nil
	}

	o, exec := testOrchestrator()
	defer exec.Close()

	if _, err := o.Execute(context.Background(), readRequest(), core); err != nil {
		t.Fatalf("first read: %v", err)
	}
	resp, err := o.Execute(context.Background(), readRequest(), core)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if coreCalls != 1 {
		t.Errorf("core calls = %d, want 1 (second read served from cache)", coreCalls)
	}
	if !resp.FromCache || resp.ETag != `W/"1"` {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPipelineWriteInvalidatesCache(t *testing.T) {
	coreCalls := 0
	core := func(ctx context.Context) (*Response, error) {
		coreCalls++
		return &Response{Resource: json.RawMessage(`{}`), Status: http.StatusOK}, nil
	}

	o, exec := testOrchestrator()
	defer exec.Close()

	// prime the cache
	if _, err := o.Execute(context.Background(), readRequest(), core); err != nil {
		t.Fatal(err)
	}

	update := readRequest()
	update.Interaction = registry.InteractionUpdate
	if _, err := o.Execute(context.Background(), update, core); err != nil {
		t.Fatal(err)
	}

	// the read must miss again
	if _, err := o.Execute(context.Background(), readRequest(), core); err != nil {
		t.Fatal(err)
	}
	if coreCalls != 3 {
		t.Errorf("core calls = %d, want 3 (cache invalidated by update)", coreCalls)
	}
}

func TestPipelineSyncBusinessErrorSurfaces(t *testing.T) {
	o, exec := testOrchestrator(
		&fakePlugin{name: "boom", kind: KindBusinessBefore, err: errors.New("kaput")},
	)
	defer exec.Close()

	_, err := o.Execute(context.Background(), readRequest(), okCore(`{}`))
	if fhir.KindOf(err) != fhir.KindInternal {
		t.Errorf("kind = %v, want KindInternal", fhir.KindOf(err))
	}
}

func TestPipelineDeadline(t *testing.T) {
	o, exec := testOrchestrator()
	defer exec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Execute(ctx, readRequest(), okCore(`{}`))
	if !errors.Is(err, &fhir.Error{Kind: fhir.KindTimeout}) {
		t.Errorf("kind = %v, want KindTimeout", fhir.KindOf(err))
	}
	if status, _ := Translate(err); status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", status)
	}
}

func TestExecutorDropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	exec := NewExecutor(1, 1, time.Second, nil, zerolog.Nop())
	defer exec.Close()
	defer close(block)

	exec.Submit(func(ctx context.Context) { <-block }) // occupies the worker
	exec.Submit(func(ctx context.Context) {})          // fills the queue

	dropped := false
	for i := 0; i < 3; i++ {
		if !exec.Submit(func(ctx context.Context) {}) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("expected at least one submission to drop")
	}
}

func TestScopeAllows(t *testing.T) {
	tests := []struct {
		scope        string
		resourceType string
		action       string
		want         bool
	}{
		{"user/*.*", "Patient", "write", true},
		{"user/Patient.read", "Patient", "read", true},
		{"user/Patient.read", "Patient", "write", false},
		{"user/Observation.read", "Patient", "read", false},
		{"system/*.read", "CarePlan", "read", true},
		{"garbage", "Patient", "read", false},
	}
	for _, tt := range tests {
		if got := scopeAllows(tt.scope, tt.resourceType, tt.action); got != tt.want {
			t.Errorf("scopeAllows(%q, %q, %q) = %v, want %v",
				tt.scope, tt.resourceType, tt.action, got, tt.want)
		}
	}
}

func TestJWTAuthnHMAC(t *testing.T) {
	key := []byte("test-signing-key")
	authn := NewJWTAuthn(AuthnConfig{SigningKey: key})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{"user/*.*"},
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name      string
		header    string
		wantAbort bool
	}{
		{"valid token", "Bearer " + signed, false},
		{"missing header", "", true},
		{"not bearer", "Basic abc", true},
		{"garbage token", "Bearer not.a.token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := readRequest()
			req.Headers = map[string]string{}
			if tt.header != "" {
				req.Headers["Authorization"] = tt.header
			}

			result, err := authn.Execute(context.Background(), req)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.Abort != tt.wantAbort {
				t.Fatalf("abort = %v, want %v", result.Abort, tt.wantAbort)
			}
			if !tt.wantAbort {
				if req.Principal == nil || req.Principal.Subject != "user-1" {
					t.Errorf("principal = %+v", req.Principal)
				}
			}
		})
	}
}

func TestScopeAuthzExecute(t *testing.T) {
	authz := NewScopeAuthz()

	req := readRequest()
	req.Principal = &Principal{Subject: "u", Scopes: []string{"user/Patient.read"}}
	result, err := authz.Execute(context.Background(), req)
	if err != nil || result.Abort {
		t.Fatalf("read with read scope: result=%+v err=%v", result, err)
	}

	req.Interaction = registry.InteractionUpdate
	result, _ = authz.Execute(context.Background(), req)
	if !result.Abort || result.Status != http.StatusForbidden {
		t.Errorf("write with read-only scope: %+v", result)
	}
}
