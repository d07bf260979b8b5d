package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// ToolConfig declares one external operation backed by an HTTP tool.
type ToolConfig struct {
	Name           string         `json:"name" mapstructure:"name"`
	Scope          Scope          `json:"scope" mapstructure:"scope"`
	ResourceType   string         `json:"resourceType" mapstructure:"resource_type"`
	Versions       []fhir.Version `json:"versions" mapstructure:"versions"`
	RequiredParams []string       `json:"requiredParams" mapstructure:"required_params"`
	Endpoint       string         `json:"endpoint" mapstructure:"endpoint"`
	Timeout        time.Duration  `json:"timeout" mapstructure:"timeout"`
}

// ToolInvoker calls external operation tools over HTTP behind a circuit
// breaker: a tool that keeps failing is cut off instead of soaking up the
// request budget.
type ToolInvoker struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func NewToolInvoker(timeout time.Duration, logger zerolog.Logger) *ToolInvoker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ToolInvoker{
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "operation-tools",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.With().Str("component", "operation-tools").Logger(),
	}
}

// RegisterTools turns each tool config into a dispatched operation.
func RegisterTools(d *Dispatcher, invoker *ToolInvoker, tools []ToolConfig) error {
	for _, tool := range tools {
		tool := tool
		def := &Definition{
			Name:           tool.Name,
			Scope:          tool.Scope,
			ResourceType:   tool.ResourceType,
			Versions:       tool.Versions,
			RequiredParams: tool.RequiredParams,
			Documentation:  fmt.Sprintf("External operation served by %s.", tool.Endpoint),
			Handler: func(ctx context.Context, call *Call) (map[string]interface{}, int, error) {
				return invoker.Invoke(ctx, tool.Endpoint, call)
			},
		}
		if err := d.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// toolEnvelope is the wire shape sent to an external tool.
type toolEnvelope struct {
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	FHIRVersion  string                 `json:"fhirVersion"`
	Tenant       string                 `json:"tenant"`
	Body         map[string]interface{} `json:"body,omitempty"`
	Query        map[string][]string    `json:"query,omitempty"`
}

// Invoke posts the call envelope to the tool and returns its JSON response.
// A tripped breaker or transport failure surfaces as not-supported rather
// than internal: the operation is temporarily unavailable, not broken.
func (i *ToolInvoker) Invoke(ctx context.Context, endpoint string, call *Call) (map[string]interface{}, int, error) {
	payload, err := json.Marshal(toolEnvelope{
		ResourceType: call.ResourceType,
		ResourceID:   call.ResourceID,
		FHIRVersion:  string(call.Version),
		Tenant:       call.TenantID,
		Body:         call.Body,
		Query:        call.Query,
	})
	if err != nil {
		return nil, 0, fhir.Wrap(fhir.KindInternal, err, "marshal tool request")
	}

	result, err := i.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := i.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("tool returned status %d", resp.StatusCode)
		}

		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("tool returned invalid JSON: %w", err)
		}
		return toolResult{doc: doc, status: resp.StatusCode}, nil
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("tool invocation failed")
		return nil, 0, fhir.Wrap(fhir.KindNotSupported, err, "external operation is unavailable")
	}

	r := result.(toolResult)
	return r.doc, r.status, nil
}

type toolResult struct {
	doc    map[string]interface{}
	status int
}
