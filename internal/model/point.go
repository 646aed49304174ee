package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Point is one averaged, tagged record ready for storage. A built Point is
// never mutated; builders and readers copy its maps.
type Point struct {
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags,omitempty"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// TagKeys returns the tag names in sorted order.
func (p Point) TagKeys() []string {
	return sortedKeys(p.Tags)
}

// FieldKeys returns the field names in sorted order.
func (p Point) FieldKeys() []string {
	return sortedKeys(p.Fields)
}

// Clone returns a deep copy of p.
func (p Point) Clone() Point {
	out := p
	out.Tags = make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		out.Tags[k] = v
	}
	out.Fields = make(map[string]float64, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}

// Averager is anything that yields one value per cycle.
type Averager interface {
	Eval() float64
}

// PointBuilder accumulates tags and fields for one point.
type PointBuilder struct {
	measurement string
	tags        map[string]string
	fields      map[string]float64
}

// NewPointBuilder starts a point with the given measurement name.
func NewPointBuilder(measurement string) *PointBuilder {
	return &PointBuilder{
		measurement: measurement,
		tags:        map[string]string{},
		fields:      map[string]float64{},
	}
}

// Tag sets a tag. Later calls with the same name overwrite earlier ones.
func (b *PointBuilder) Tag(name, value string) *PointBuilder {
	b.tags[name] = value
	return b
}

// Field sets a field value.
func (b *PointBuilder) Field(name string, value float64) *PointBuilder {
	b.fields[name] = value
	return b
}

// Build returns the finished point stamped with t.
func (b *PointBuilder) Build(t time.Time) (Point, error) {
	if b.measurement == "" {
		return Point{}, errors.New("point: empty measurement name")
	}
	if len(b.fields) == 0 {
		return Point{}, fmt.Errorf("point %q: no fields", b.measurement)
	}
	p := Point{
		Measurement: b.measurement,
		Tags:        b.tags,
		Fields:      b.fields,
		Time:        t,
	}
	// Detach from the builder so further calls cannot mutate p.
	return p.Clone(), nil
}

// BuildPoint turns one cycle's averages for src into a point. averages must
// be in the same order as src.Values.
func BuildPoint(src SourceConfig, averages []Averager, t time.Time) (Point, error) {
	if len(averages) != len(src.Values) {
		return Point{}, fmt.Errorf("point %q: %d averages for %d values", src.Measurement(), len(averages), len(src.Values))
	}
	b := NewPointBuilder(src.Measurement())
	for _, tag := range src.Tags {
		b.Tag(tag.Name, tag.Value)
	}
	for i, m := range src.Values {
		b.Field(m.Name, averages[i].Eval())
	}
	return b.Build(t)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
