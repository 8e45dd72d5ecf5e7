// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"gopkg.in/yaml.v3"

	"grimm.is/meshredirect/internal/errors"
)

// LoadFile loads a config file (HCL, JSON or YAML), applies defaults and
// validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	case ".yaml", ".yml":
		return LoadYAML(data)
	default:
		// Try HCL first
		cfg, hclErr := LoadHCL(data, path)
		if hclErr == nil {
			return cfg, nil
		}

		// Fall back to JSON
		cfg, jsonErr := LoadJSON(data)
		if jsonErr == nil {
			return cfg, nil
		}
		return nil, errors.Wrapf(hclErr, errors.KindValidation, "failed to parse config as HCL (JSON fallback error: %v)", jsonErr)
	}
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to parse HCL")
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to decode HCL")
	}
	return finish(&cfg)
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse JSON")
	}
	return finish(&cfg)
}

// LoadYAML loads config from YAML bytes
func LoadYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse YAML")
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.SchemaVersion != "" {
		newer, err := isNewerVersion(cfg.SchemaVersion, CurrentSchemaVersion)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid schema_version"), "schema_version", cfg.SchemaVersion)
		}
		if newer {
			return nil, errors.Errorf(errors.KindValidation, "config version %s is newer than supported version %s",
				cfg.SchemaVersion, CurrentSchemaVersion)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate().Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// isNewerVersion compares "major.minor" versions.
func isNewerVersion(v, than string) (bool, error) {
	a, err := parseVersion(v)
	if err != nil {
		return false, err
	}
	b, err := parseVersion(than)
	if err != nil {
		return false, err
	}
	if a[0] != b[0] {
		return a[0] > b[0], nil
	}
	return a[1] > b[1], nil
}

func parseVersion(v string) ([2]int, error) {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		minor = "0"
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return [2]int{}, fmt.Errorf("invalid version %q", v)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return [2]int{}, fmt.Errorf("invalid version %q", v)
	}
	return [2]int{maj, mnr}, nil
}

// MarshalHCL renders cfg as HCL.
func MarshalHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return f.Bytes()
}
