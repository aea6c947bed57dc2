// Package config loads and validates the options table from spec.md §6
// ("Configuration options recognized by the core") from YAML, grounded on
// the teacher's config-adjacent packages (and sibling pack repo
// cuemby-warren's own go.mod), which both carry gopkg.in/yaml.v3.
package config
