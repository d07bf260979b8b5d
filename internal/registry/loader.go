package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Loader reads the configuration directory layout:
//
//	<dir>/resources/*.json            one ResourceConfig per file
//	<dir>/searchparams/<ver>/base.json         universal parameter bundle
//	<dir>/searchparams/<ver>/<anything>.json   per-type parameter bundles
//
// Every document is structurally validated before it reaches a registry;
// a bad document fails startup rather than degrading at request time.
type Loader struct {
	dir      string
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:      dir,
		validate: validator.New(),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// paramBundle is the on-disk shape of a search parameter bundle.
type paramBundle struct {
	Parameters []*SearchParamDef `json:"parameters" validate:"required,dive"`
}

// Load reads and validates everything, returning the populated registries.
func (l *Loader) Load() (*Resources, *SearchParams, error) {
	configs, err := l.loadResourceConfigs()
	if err != nil {
		return nil, nil, err
	}

	resources, err := NewResources(configs)
	if err != nil {
		return nil, nil, fmt.Errorf("build resource registry: %w", err)
	}

	baseDefs, typeDefs, err := l.loadSearchParams()
	if err != nil {
		return nil, nil, err
	}

	params := NewSearchParams(resources, baseDefs, typeDefs)

	l.logger.Info().
		Int("resource_types", len(resources.EnabledResourceTypes())).
		Msg("registries loaded")

	return resources, params, nil
}

func (l *Loader) loadResourceConfigs() ([]*ResourceConfig, error) {
	dir := filepath.Join(l.dir, "resources")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read resource config directory %s: %w", dir, err)
	}

	var configs []*ResourceConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var cfg ResourceConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := l.validate.Struct(&cfg); err != nil {
			return nil, fmt.Errorf("validate %s: %w", path, err)
		}
		if cfg.DefaultVersion != "" && !cfg.SupportsVersion(cfg.DefaultVersion) {
			return nil, fmt.Errorf("validate %s: defaultVersion %s not in versions", path, cfg.DefaultVersion)
		}

		configs = append(configs, &cfg)
	}

	if len(configs) == 0 {
		return nil, fmt.Errorf("no resource configurations found in %s", dir)
	}
	return configs, nil
}

func (l *Loader) loadSearchParams() (map[fhir.Version][]*SearchParamDef, map[fhir.Version][]*SearchParamDef, error) {
	baseDefs := make(map[fhir.Version][]*SearchParamDef)
	typeDefs := make(map[fhir.Version][]*SearchParamDef)

	root := filepath.Join(l.dir, "searchparams")
	versionDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read search parameter directory %s: %w", root, err)
	}

	for _, versionDir := range versionDirs {
		if !versionDir.IsDir() {
			continue
		}
		version, ok := fhir.ParseVersion(versionDir.Name())
		if !ok {
			return nil, nil, fmt.Errorf("unknown FHIR version directory %q under %s", versionDir.Name(), root)
		}

		dir := filepath.Join(root, versionDir.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", dir, err)
		}

		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}

			path := filepath.Join(dir, file.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", path, err)
			}

			var bundle paramBundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return nil, nil, fmt.Errorf("parse %s: %w", path, err)
			}
			if err := l.validate.Struct(&bundle); err != nil {
				return nil, nil, fmt.Errorf("validate %s: %w", path, err)
			}

			if file.Name() == "base.json" {
				baseDefs[version] = append(baseDefs[version], bundle.Parameters...)
			} else {
				typeDefs[version] = append(typeDefs[version], bundle.Parameters...)
			}
		}
	}

	for _, version := range fhir.Versions() {
		if len(baseDefs[version]) == 0 {
			baseDefs[version] = BaseParameterDefaults()
		}
	}

	return baseDefs, typeDefs, nil
}

// BaseParameterDefaults returns the universal parameters every server
// supports even without a base bundle on disk.
func BaseParameterDefaults() []*SearchParamDef {
	return []*SearchParamDef{
		{Code: "_id", Type: SearchParamToken, Description: "Logical id of this artifact"},
		{Code: "_lastUpdated", Type: SearchParamDate, Description: "When the resource version last changed"},
		{Code: "_tag", Type: SearchParamToken, Expression: "Resource.meta.tag", Description: "Tags applied to this resource"},
		{Code: "_profile", Type: SearchParamURI, Expression: "Resource.meta.profile", Description: "Profiles this resource claims to conform to"},
		{Code: "_security", Type: SearchParamToken, Expression: "Resource.meta.security", Description: "Security labels applied to this resource"},
		{Code: "_source", Type: SearchParamURI, Expression: "Resource.meta.source", Description: "Identifies where the resource comes from"},
	}
}
