package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Ruleset holds the data tables the guard evaluates against. Rules are data,
// not control flow: extending protection to a new keyword or network name is
// an edit here (or in a ruleset file), not a code change.
type Ruleset struct {
	// CriticalKeywords deny remove_container when the container name contains
	// any of them (case-insensitive substring).
	CriticalKeywords []string `yaml:"criticalKeywords" json:"criticalKeywords"`

	// ProtectedImages deny remove_image for these bare base-image names when
	// the reference carries no tag or digest.
	ProtectedImages []string `yaml:"protectedImages" json:"protectedImages"`

	// ReservedNetworks deny create_network on exact (case-insensitive) match.
	ReservedNetworks []string `yaml:"reservedNetworks" json:"reservedNetworks"`

	// FloatingTags trigger the run_container mutability advisory.
	FloatingTags []string `yaml:"floatingTags" json:"floatingTags"`

	// UntrustedMarkers trigger the advisory anywhere in the image reference.
	UntrustedMarkers []string `yaml:"untrustedMarkers" json:"untrustedMarkers"`
}

// DefaultRuleset returns the built-in tables: database engines, caches,
// reverse proxies and cluster plumbing for container names; common foundation
// images; the engine's own network names.
func DefaultRuleset() Ruleset {
	return Ruleset{
		CriticalKeywords: []string{
			"database", "postgres", "mysql", "mariadb", "mongo",
			"redis", "memcached", "elasticsearch",
			"nginx", "traefik", "haproxy",
			"rabbitmq", "etcd", "consul", "vault",
		},
		ProtectedImages: []string{
			"alpine", "ubuntu", "debian", "busybox",
			"node", "python", "golang",
			"postgres", "mysql", "redis", "nginx",
		},
		ReservedNetworks: []string{
			"bridge", "host", "none", "ingress", "docker_gwbridge",
		},
		FloatingTags:     []string{"latest", "edge", "nightly", "master", "main"},
		UntrustedMarkers: []string{"untrusted", "unstable", "experimental"},
	}
}

// rulesetSchema structurally validates a ruleset file before it replaces the
// built-in tables: every field must be a list of non-empty strings, and no
// unknown fields are accepted.
const rulesetSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "criticalKeywords":  {"$ref": "#/$defs/stringList"},
    "protectedImages":   {"$ref": "#/$defs/stringList"},
    "reservedNetworks":  {"$ref": "#/$defs/stringList"},
    "floatingTags":      {"$ref": "#/$defs/stringList"},
    "untrustedMarkers":  {"$ref": "#/$defs/stringList"}
  },
  "$defs": {
    "stringList": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

// LoadRuleset reads a YAML ruleset file, validates it against the embedded
// schema, and returns the result merged over the defaults: a list the file
// omits (or leaves empty) keeps its built-in value, so a site override can
// adjust one table without restating the rest.
func LoadRuleset(path string) (Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, fmt.Errorf("read ruleset: %w", err)
	}
	return ParseRuleset(data)
}

// ParseRuleset validates and merges a YAML ruleset document over the defaults.
func ParseRuleset(data []byte) (Ruleset, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Ruleset{}, fmt.Errorf("ruleset parse: %w", err)
	}
	if raw == nil {
		return DefaultRuleset(), nil
	}

	// The schema library validates JSON-shaped values, so round-trip the
	// YAML document through encoding/json first.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return Ruleset{}, fmt.Errorf("ruleset convert: %w", err)
	}
	var doc any
	if err := json.NewDecoder(bytes.NewReader(jsonBytes)).Decode(&doc); err != nil {
		return Ruleset{}, fmt.Errorf("ruleset convert: %w", err)
	}

	schema, err := jsonschema.CompileString("ruleset.schema.json", rulesetSchema)
	if err != nil {
		return Ruleset{}, fmt.Errorf("compile ruleset schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Ruleset{}, fmt.Errorf("ruleset invalid: %w", err)
	}

	var overrides Ruleset
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return Ruleset{}, fmt.Errorf("ruleset parse: %w", err)
	}

	rules := DefaultRuleset()
	if len(overrides.CriticalKeywords) > 0 {
		rules.CriticalKeywords = overrides.CriticalKeywords
	}
	if len(overrides.ProtectedImages) > 0 {
		rules.ProtectedImages = overrides.ProtectedImages
	}
	if len(overrides.ReservedNetworks) > 0 {
		rules.ReservedNetworks = overrides.ReservedNetworks
	}
	if len(overrides.FloatingTags) > 0 {
		rules.FloatingTags = overrides.FloatingTags
	}
	if len(overrides.UntrustedMarkers) > 0 {
		rules.UntrustedMarkers = overrides.UntrustedMarkers
	}
	return rules, nil
}
