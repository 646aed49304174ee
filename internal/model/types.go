package model

import (
	"time"

	"github.com/tinytelemetry/gauge/internal/jsonptr"
)

// Document is one complete JSON value decoded from a probe's output.
// Numbers are kept as json.Number.
type Document = any

// Tag is a static name/value pair attached to every point from a source.
type Tag struct {
	Name  string `mapstructure:"name" json:"name" yaml:"name"`
	Value string `mapstructure:"value" json:"value" yaml:"value"`
}

// ValueMapping names one numeric leaf to extract from every document.
type ValueMapping struct {
	Name string          `mapstructure:"name" json:"name" yaml:"name"`
	Path jsonptr.Pointer `mapstructure:"-" json:"path" yaml:"-"`

	// Segments is the raw, unescaped path as written in configuration.
	// Path is built from it by Compile.
	Segments []string `mapstructure:"path" json:"-" yaml:"path"`
}

// Compile builds Path from Segments.
func (m *ValueMapping) Compile() {
	m.Path = jsonptr.New(m.Segments...)
}

// SourceKind selects the probe binary and its argument list.
type SourceKind string

const (
	KindSensors     SourceKind = "sensors"
	KindIntelGPUTop SourceKind = "intel_gpu_top"
	KindCommand     SourceKind = "command"
)

// SourceConfig describes one probe and how its documents become a point.
type SourceConfig struct {
	Name    string         `mapstructure:"name" yaml:"name,omitempty"`
	Kind    SourceKind     `mapstructure:"kind" yaml:"kind,omitempty"`
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Tags    []Tag          `mapstructure:"tags" yaml:"tags,omitempty"`
	Values  []ValueMapping `mapstructure:"values" yaml:"values,omitempty"`

	// Device is the intel_gpu_top device filter (see intel_gpu_top -h).
	Device string `mapstructure:"device" yaml:"device,omitempty"`

	// Binary and Args are used by command sources.
	Binary string   `mapstructure:"binary" yaml:"binary,omitempty"`
	Args   []string `mapstructure:"args" yaml:"args,omitempty"`

	// RepeatMS re-runs a command that exits after printing one document.
	RepeatMS int64 `mapstructure:"repeat_ms" yaml:"repeat_ms,omitempty"`

	// Separators are extra bytes skipped between documents.
	Separators string `mapstructure:"separators" yaml:"separators,omitempty"`
}

// Repeat returns RepeatMS as a duration.
func (c SourceConfig) Repeat() time.Duration {
	return time.Duration(c.RepeatMS) * time.Millisecond
}

// Measurement is the name points from this source are written under.
func (c SourceConfig) Measurement() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// FieldNames returns the mapping names in configuration order.
func (c SourceConfig) FieldNames() []string {
	names := make([]string, len(c.Values))
	for i, v := range c.Values {
		names[i] = v.Name
	}
	return names
}
