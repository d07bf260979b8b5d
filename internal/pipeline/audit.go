package pipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// AuditLog emits one structured record per request after the response is
// decided. It runs async: audit writes never delay or fail a request.
type AuditLog struct {
	logger zerolog.Logger
}

func NewAuditLog(logger zerolog.Logger) *AuditLog {
	return &AuditLog{logger: logger.With().Str("component", "audit").Logger()}
}

func (a *AuditLog) Name() string { return "audit-log" }
func (a *AuditLog) Kind() Kind   { return KindAudit }
func (a *AuditLog) Order() int   { return 0 }
func (a *AuditLog) Mode() Mode   { return ModeAsync }

func (a *AuditLog) Execute(_ context.Context, req *Request) (*Result, error) {
	event := a.logger.Info().
		Str("interaction", string(req.Interaction)).
		Str("resource_type", req.ResourceType).
		Str("fhir_version", string(req.Version)).
		Int("status", req.ResponseStatus)

	if req.ResourceID != "" {
		event = event.Str("resource_id", req.ResourceID)
	}
	if req.Tenant != nil {
		event = event.Str("tenant", req.Tenant.InternalID)
	}
	if req.Principal != nil {
		event = event.Str("subject", req.Principal.Subject)
	}

	event.Msg("audit")
	return Continue(), nil
}
