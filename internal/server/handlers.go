package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/conformance"
	"github.com/fhirbox/fhirbox/internal/operations"
	"github.com/fhirbox/fhirbox/internal/pipeline"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/search"
)

const fhirJSONType = "application/fhir+json"

// Handler owns the version-prefixed FHIR routes. Paths are parsed here:
// "$"-prefixed segments become operations, "_history" routes to versioning,
// conformance artifact types route to the artifact store.
type Handler struct {
	service   *Service
	artifacts *conformance.ArtifactStore
	generator *conformance.Generator
	logger    zerolog.Logger
}

func NewHandler(service *Service, artifacts *conformance.ArtifactStore, generator *conformance.Generator, logger zerolog.Logger) *Handler {
	return &Handler{
		service:   service,
		artifacts: artifacts,
		generator: generator,
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

// Register wires one version group's routes.
func (h *Handler) Register(g *echo.Group, version fhir.Version) {
	g.GET("/metadata", h.metadata(version))
	g.POST("", h.bundle(version))
	g.POST("/", h.bundle(version))

	g.GET("/:type", h.typeGet(version))
	g.POST("/:type", h.typePost(version))
	g.POST("/:type/_search", h.searchPost(version))

	g.GET("/:type/:id", h.instanceGet(version))
	g.POST("/:type/:id", h.instancePost(version))
	g.PUT("/:type/:id", h.update(version))
	g.PATCH("/:type/:id", h.patch(version))
	g.DELETE("/:type/:id", h.delete(version))

	g.GET("/:type/:id/_history", h.history(version))
	g.GET("/:type/:id/_history/:vid", h.vread(version))

	g.GET("/:type/:id/:op", h.instanceOpGet(version))
	g.POST("/:type/:id/:op", h.instanceOpPost(version))
}

func (h *Handler) metadata(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, h.generator.Generate(version, baseURL(c)))
	}
}

func (h *Handler) bundle(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		doc, _, err := readDocument(c)
		if err != nil {
			return fail(c, err)
		}
		resp, err := h.service.ProcessBundle(c.Request().Context(), version, doc)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

// typeGet serves GET /{type}: search for configured types, artifact search
// for conformance types, $operation when the segment is "$"-prefixed.
func (h *Handler) typeGet(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		seg := c.Param("type")
		if name, ok := operationName(seg); ok {
			return h.operation(c, version, name, operations.ScopeSystem, "", "", nil)
		}
		if conformance.IsArtifactType(seg) {
			return h.artifactSearch(c, version, seg)
		}

		op := h.op(c, version, registry.InteractionSearch, seg, "")
		resp, err := h.service.Search(c.Request().Context(), op, c.Request().URL.Path)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) typePost(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		seg := c.Param("type")
		if name, ok := operationName(seg); ok {
			doc, _, err := readDocument(c)
			if err != nil {
				return fail(c, err)
			}
			return h.operation(c, version, name, operations.ScopeSystem, "", "", doc)
		}

		doc, _, err := readDocument(c)
		if err != nil {
			return fail(c, err)
		}
		op := h.op(c, version, registry.InteractionCreate, seg, "")
		op.Document = doc
		resp, err := h.service.Create(c.Request().Context(), op)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

// searchPost serves POST /{type}/_search with form-encoded parameters.
func (h *Handler) searchPost(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		resourceType := c.Param("type")
		params, err := c.FormParams()
		if err != nil {
			return fail(c, fhir.Wrap(fhir.KindInvalid, err, "invalid search form"))
		}
		for name, vals := range c.QueryParams() {
			if _, dup := params[name]; !dup {
				params[name] = vals
			}
		}

		op := h.op(c, version, registry.InteractionSearch, resourceType, "")
		op.Query = params
		basePath := strings.TrimSuffix(c.Request().URL.Path, "/_search")
		resp, err := h.service.Search(c.Request().Context(), op, basePath)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

// instanceGet serves GET /{type}/{id}: read, type-level $operation when the
// id segment is "$"-prefixed, artifact lookup for conformance types.
func (h *Handler) instanceGet(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		resourceType, id := c.Param("type"), c.Param("id")
		if name, ok := operationName(id); ok {
			return h.operation(c, version, name, operations.ScopeType, resourceType, "", nil)
		}
		if conformance.IsArtifactType(resourceType) {
			return h.artifactRead(c, version, resourceType, id)
		}

		op := h.op(c, version, registry.InteractionRead, resourceType, id)
		resp, err := h.service.Read(c.Request().Context(), op)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) instancePost(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		resourceType, id := c.Param("type"), c.Param("id")
		name, ok := operationName(id)
		if !ok {
			return fail(c, fhir.E(fhir.KindDisabledInteraction, "POST is not supported on a resource instance"))
		}
		doc, _, err := readDocument(c)
		if err != nil {
			return fail(c, err)
		}
		return h.operation(c, version, name, operations.ScopeType, resourceType, "", doc)
	}
}

func (h *Handler) update(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		doc, _, err := readDocument(c)
		if err != nil {
			return fail(c, err)
		}
		op := h.op(c, version, registry.InteractionUpdate, c.Param("type"), c.Param("id"))
		op.Document = doc
		resp, err := h.service.Update(c.Request().Context(), op)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) patch(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return fail(c, fhir.Wrap(fhir.KindInvalid, err, "read patch body"))
		}
		op := h.op(c, version, registry.InteractionPatch, c.Param("type"), c.Param("id"))
		resp, err := h.service.Patch(c.Request().Context(), op, body, c.Request().Header.Get(echo.HeaderContentType))
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) delete(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		op := h.op(c, version, registry.InteractionDelete, c.Param("type"), c.Param("id"))
		resp, err := h.service.Delete(c.Request().Context(), op)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) history(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		op := h.op(c, version, registry.InteractionHistory, c.Param("type"), c.Param("id"))
		resp, err := h.service.History(c.Request().Context(), op)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) vread(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		op := h.op(c, version, registry.InteractionVRead, c.Param("type"), c.Param("id"))
		op.VersionID = c.Param("vid")
		resp, err := h.service.VRead(c.Request().Context(), op)
		if err != nil {
			return fail(c, err)
		}
		return respond(c, resp)
	}
}

func (h *Handler) instanceOpGet(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		name, ok := operationName(c.Param("op"))
		if !ok {
			return fail(c, fhir.E(fhir.KindNotFound, "unknown path segment %q", c.Param("op")))
		}
		return h.operation(c, version, name, operations.ScopeInstance, c.Param("type"), c.Param("id"), nil)
	}
}

func (h *Handler) instanceOpPost(version fhir.Version) echo.HandlerFunc {
	return func(c echo.Context) error {
		name, ok := operationName(c.Param("op"))
		if !ok {
			return fail(c, fhir.E(fhir.KindNotFound, "unknown path segment %q", c.Param("op")))
		}
		doc, _, err := readDocument(c)
		if err != nil {
			return fail(c, err)
		}
		return h.operation(c, version, name, operations.ScopeInstance, c.Param("type"), c.Param("id"), doc)
	}
}

func (h *Handler) operation(c echo.Context, version fhir.Version, name string, scope operations.Scope, resourceType, id string, doc map[string]interface{}) error {
	op := h.op(c, version, interactionOperation, resourceType, id)
	op.Document = doc
	resp, err := h.service.Operation(c.Request().Context(), op, name, scope)
	if err != nil {
		return fail(c, err)
	}
	return respond(c, resp)
}

func (h *Handler) artifactRead(c echo.Context, version fhir.Version, kind, id string) error {
	artifact, err := h.artifacts.Get(version, kind, id)
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(http.StatusOK, fhirJSONType, artifact.Content)
}

func (h *Handler) artifactSearch(c echo.Context, version fhir.Version, kind string) error {
	count, offset, err := search.ParsePaging(c.QueryParam)
	if err != nil {
		return fail(c, err)
	}

	result, err := h.artifacts.Search(version, kind, conformance.ArtifactFilter{
		Name:   c.QueryParam("name"),
		URL:    c.QueryParam("url"),
		Status: c.QueryParam("status"),
		Base:   c.QueryParam("base"),
	}, fhir.PageParams{
		BaseURL: c.Request().URL.Path,
		Count:   count,
		Offset:  offset,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// op builds the service request envelope from the echo context.
func (h *Handler) op(c echo.Context, version fhir.Version, interaction registry.Interaction, resourceType, id string) *Op {
	headers := map[string]string{}
	for _, name := range []string{"Authorization", "If-Match", "If-None-Match", echo.HeaderContentType} {
		if v := c.Request().Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	return &Op{
		Interaction:  interaction,
		ResourceType: resourceType,
		ResourceID:   id,
		Version:      version,
		Query:        c.QueryParams(),
		Headers:      headers,
	}
}

func operationName(segment string) (string, bool) {
	if strings.HasPrefix(segment, "$") && len(segment) > 1 {
		return segment[1:], true
	}
	return "", false
}

func readDocument(c echo.Context) (map[string]interface{}, []byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, nil, fhir.Wrap(fhir.KindInvalid, err, "read request body")
	}
	if len(body) == 0 {
		return nil, nil, fhir.E(fhir.KindInvalid, "request body is empty")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fhir.Wrap(fhir.KindInvalid, err, "request body is not a JSON object")
	}
	return doc, body, nil
}

func respond(c echo.Context, resp *pipeline.Response) error {
	header := c.Response().Header()
	if resp.ETag != "" {
		header.Set("ETag", resp.ETag)
	}
	if resp.Location != "" {
		header.Set("Location", resp.Location)
	}
	if resp.LastModified != "" {
		header.Set("Last-Modified", resp.LastModified)
	}
	if resp.FromCache {
		header.Set("X-Cache", "HIT")
	}
	if len(resp.Resource) == 0 {
		return c.NoContent(resp.Status)
	}
	return c.Blob(resp.Status, fhirJSONType, resp.Resource)
}

func fail(c echo.Context, err error) error {
	status, outcome := pipeline.Translate(err)
	return c.JSON(status, outcome)
}

// baseURL reconstructs the serving base from the request path, so versioned
// and unversioned mounts both advertise the URL they were reached through.
func baseURL(c echo.Context) string {
	scheme := c.Scheme()
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + c.Request().Host + strings.TrimSuffix(c.Request().URL.Path, "/metadata")
}
