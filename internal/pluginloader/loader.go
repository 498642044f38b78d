// Package pluginloader discovers, validates, and materializes plugin
// manifests from a directory (spec §4.6).
package pluginloader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/frontclaw/core/internal/plugin"
)

// Options configures a Load call.
type Options struct {
	// Dir is the directory whose immediate subdirectories are candidates.
	Dir string
	// DenyList disables plugins by id regardless of their manifest's
	// enabled flag (spec §4.6: "Disabled plugins ... by the caller-
	// supplied deny list ... are dropped").
	DenyList map[string]bool
	// Overrides is per-plugin-id user configuration, merged atop each
	// manifest's defaultConfig.
	Overrides map[string]map[string]any
}

// Diagnostic describes one candidate directory's outcome; used so a
// single bad plugin never aborts loading the rest (spec §4.6: "Errors
// from one plugin never prevent loading others").
type Diagnostic struct {
	Dir   string
	Error error
}

// Result is the output of a Load call.
type Result struct {
	Plugins     []*plugin.LoadedPlugin
	Diagnostics []Diagnostic
}

// Load scans opts.Dir, validates each candidate, merges configuration, and
// returns the final list sorted by ascending priority (ties broken by
// identifier).
func Load(opts Options) (*Result, error) {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	res := &Result{}
	seenIDs := make(map[string]string) // id -> source dir, to catch duplicates

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(opts.Dir, entry.Name())
		loaded, err := loadOne(dir, opts)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Dir: dir, Error: err})
			continue
		}
		if loaded == nil {
			// disabled or denied; not an error, just skipped.
			continue
		}
		if existing, dup := seenIDs[loaded.Manifest.ID]; dup {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Dir:   dir,
				Error: fmt.Errorf("duplicate plugin id %q (already loaded from %s)", loaded.Manifest.ID, existing),
			})
			continue
		}
		seenIDs[loaded.Manifest.ID] = dir
		res.Plugins = append(res.Plugins, loaded)
	}

	sort.Sort(plugin.ByPriority(res.Plugins))
	return res, nil
}

func loadOne(dir string, opts Options) (*plugin.LoadedPlugin, error) {
	manifestPath := filepath.Join(dir, plugin.ManifestFilename)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	readmePath := filepath.Join(dir, plugin.ReadmeFilename)
	if _, err := os.Stat(readmePath); err != nil {
		return nil, fmt.Errorf("missing required readme at %s", readmePath)
	}

	var m plugin.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if verr := m.Validate(); verr != nil {
		verr.PluginDir = dir
		return nil, verr
	}

	if !m.Enabled() || opts.DenyList[m.ID] {
		return nil, nil
	}

	entryPath := filepath.Join(dir, m.Main)
	if _, err := os.Stat(entryPath); err != nil {
		return nil, fmt.Errorf("entry file %q does not exist under %s", m.Main, dir)
	}

	merged := mergeConfig(m.DefaultConfig, opts.Overrides[m.ID])

	if len(m.ConfigSchema) > 0 {
		if err := validateConfigSchema(m.ConfigSchema, merged); err != nil {
			return nil, fmt.Errorf("config schema validation failed: %w", err)
		}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	absEntry, err := filepath.Abs(entryPath)
	if err != nil {
		return nil, err
	}

	return &plugin.LoadedPlugin{
		Manifest:  &m,
		Dir:       absDir,
		EntryPath: absEntry,
		Config:    merged,
	}, nil
}

func mergeConfig(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func validateConfigSchema(schema map[string]any, config map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest-config-schema.json", bytes.NewReader(raw)); err != nil {
		return err
	}
	compiled, err := compiler.Compile("manifest-config-schema.json")
	if err != nil {
		return err
	}
	// jsonschema validates against decoded JSON values; round-trip config
	// through JSON to normalize numeric types the way a wire payload would.
	configRaw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(configRaw, &decoded); err != nil {
		return err
	}
	return compiled.Validate(decoded)
}
