package operations

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/storage"
	"github.com/fhirbox/fhirbox/internal/validation"
)

// RegisterBuiltins wires the operations the server always ships:
// $validate (system + type + instance), $meta (instance) and $versions
// (system).
func RegisterBuiltins(d *Dispatcher, resources *registry.Resources, facade *validation.Facade, engine *storage.Engine) error {
	validate := &Definition{
		Name:          "validate",
		Scope:         ScopeType,
		ResourceType:  AnyType,
		URL:           "http://hl7.org/fhir/OperationDefinition/Resource-validate",
		Documentation: "Validate a resource against the server's structural rules and required profiles.",
		Handler:       validateHandler(resources, facade),
	}
	if err := d.Register(validate); err != nil {
		return err
	}

	validateInstance := *validate
	validateInstance.Scope = ScopeInstance
	if err := d.Register(&validateInstance); err != nil {
		return err
	}

	validateSystem := *validate
	validateSystem.Scope = ScopeSystem
	validateSystem.ResourceType = ""
	if err := d.Register(&validateSystem); err != nil {
		return err
	}

	if err := d.Register(&Definition{
		Name:          "meta",
		Scope:         ScopeInstance,
		ResourceType:  AnyType,
		URL:           "http://hl7.org/fhir/OperationDefinition/Resource-meta",
		Documentation: "Return the metadata of the current version of a resource.",
		Handler:       metaHandler(engine),
	}); err != nil {
		return err
	}

	return d.Register(&Definition{
		Name:          "versions",
		Scope:         ScopeSystem,
		URL:           "http://hl7.org/fhir/OperationDefinition/CapabilityStatement-versions",
		Documentation: "List the FHIR versions this server supports.",
		Handler:       versionsHandler(),
	})
}

// validateHandler accepts either a bare resource or a Parameters document
// wrapping one under the "resource" parameter.
func validateHandler(resources *registry.Resources, facade *validation.Facade) Handler {
	return func(ctx context.Context, call *Call) (map[string]interface{}, int, error) {
		doc, err := extractResource(call.Body)
		if err != nil {
			return nil, 0, err
		}

		resourceType, _ := doc["resourceType"].(string)
		profiles := resources.RequiredProfiles(resourceType, call.Version)

		outcome, err := facade.Outcome(ctx, doc, call.Version, profiles)
		if err != nil {
			return nil, 0, err
		}
		return toDoc(outcome), http.StatusOK, nil
	}
}

func metaHandler(engine *storage.Engine) Handler {
	return func(ctx context.Context, call *Call) (map[string]interface{}, int, error) {
		row, err := engine.Read(ctx, call.ResourceType, call.ResourceID, call.TenantID)
		if err != nil {
			return nil, 0, err
		}
		doc, err := row.Document()
		if err != nil {
			return nil, 0, fhir.Wrap(fhir.KindInternal, err, "stored content unreadable")
		}

		meta, _ := doc["meta"].(map[string]interface{})
		params := map[string]interface{}{
			"resourceType": "Parameters",
			"parameter": []interface{}{
				map[string]interface{}{"name": "return", "valueMeta": meta},
			},
		}
		return params, http.StatusOK, nil
	}
}

func versionsHandler() Handler {
	return func(_ context.Context, _ *Call) (map[string]interface{}, int, error) {
		var parameters []interface{}
		var defaultVersion string
		for _, v := range fhir.Versions() {
			parameters = append(parameters, map[string]interface{}{
				"name": "version", "valueCode": v.Number(),
			})
			if defaultVersion == "" {
				defaultVersion = v.Number()
			}
		}
		parameters = append(parameters, map[string]interface{}{
			"name": "default", "valueCode": defaultVersion,
		})
		return map[string]interface{}{
			"resourceType": "Parameters",
			"parameter":    parameters,
		}, http.StatusOK, nil
	}
}

// extractResource unwraps the operation input: a Parameters document's
// "resource" parameter, or the body itself when it is a resource.
func extractResource(body map[string]interface{}) (map[string]interface{}, error) {
	if body == nil {
		return nil, fhir.E(fhir.KindInvalid, "request body is required")
	}
	if body["resourceType"] != "Parameters" {
		return body, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fhir.Wrap(fhir.KindInvalid, err, "unreadable Parameters document")
	}
	params, err := fhir.ParseParameters(data)
	if err != nil {
		return nil, fhir.Wrap(fhir.KindInvalid, err, "invalid Parameters document")
	}

	param := params.Find("resource")
	if param == nil || len(param.Resource) == 0 {
		return nil, fhir.E(fhir.KindInvalid, "Parameters document carries no resource parameter")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(param.Resource, &doc); err != nil {
		return nil, fhir.Wrap(fhir.KindInvalid, err, "resource parameter is not a JSON object")
	}
	return doc, nil
}

func toDoc(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}
