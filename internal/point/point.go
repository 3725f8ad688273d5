// Package point assembles InfluxDB line-protocol output. It covers exactly
// what the bridge emits: a measurement, sorted tags, ordered fields and a
// nanosecond timestamp, plus the push-path prefix template that gets a
// formatted value appended at write time.
package point

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type fieldValue struct {
	key   string
	value any
}

// Point is a single metric line under construction.
type Point struct {
	measurement string
	tags        map[string]string
	fields      []fieldValue
	timestamp   int64
	hasTime     bool
}

func New(measurement string) *Point {
	return &Point{
		measurement: measurement,
		tags:        make(map[string]string),
	}
}

// Tag sets a tag. Empty values are dropped at serialization time, since the
// line protocol has no representation for them.
func (p *Point) Tag(key, value string) *Point {
	p.tags[key] = value
	return p
}

// Field appends a field. Accepted value types are int64, float64 and string;
// anything else is serialized through its string representation.
func (p *Point) Field(key string, value any) *Point {
	p.fields = append(p.fields, fieldValue{key: key, value: value})
	return p
}

// Time sets the timestamp in nanoseconds.
func (p *Point) Time(ns int64) *Point {
	p.timestamp = ns
	p.hasTime = true
	return p
}

// Clone returns an independent copy; templates are cloned once per emission
// so the shared registry entry is never mutated.
func (p *Point) Clone() *Point {
	c := &Point{
		measurement: p.measurement,
		tags:        make(map[string]string, len(p.tags)),
		fields:      append([]fieldValue(nil), p.fields...),
		timestamp:   p.timestamp,
		hasTime:     p.hasTime,
	}
	for k, v := range p.tags {
		c.tags[k] = v
	}

	return c
}

// Prefix serializes measurement and tags followed by the given field key and
// "=", producing the push-path byte template: appending a formatted value
// and " <timestamp>" completes the line.
func (p *Point) Prefix(fieldKey string) []byte {
	var b strings.Builder
	p.writeHeader(&b)
	b.WriteByte(' ')
	b.WriteString(escapeKey(fieldKey))
	b.WriteByte('=')

	return []byte(b.String())
}

// LineProtocol serializes the full line. Float fields go through the
// formatter so the rounding policy is applied uniformly.
func (p *Point) LineProtocol(f *Formatter) []byte {
	var b strings.Builder
	p.writeHeader(&b)
	b.WriteByte(' ')
	for i, fv := range p.fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeKey(fv.key))
		b.WriteByte('=')
		b.WriteString(formatFieldValue(fv.value, f))
	}
	if p.hasTime {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.timestamp, 10))
	}

	return []byte(b.String())
}

func (p *Point) writeHeader(b *strings.Builder) {
	b.WriteString(escapeMeasurement(p.measurement))

	keys := make([]string, 0, len(p.tags))
	for k := range p.tags {
		if p.tags[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(escapeKey(k))
		b.WriteByte('=')
		b.WriteString(escapeKey(p.tags[k]))
	}
}

func formatFieldValue(v any, f *Formatter) string {
	switch val := v.(type) {
	case int64:
		return strconv.FormatInt(val, 10) + "i"
	case int:
		return strconv.Itoa(val) + "i"
	case float64:
		return f.Float(val)
	case string:
		return strconv.Quote(val)
	default:
		return strconv.Quote(fmt.Sprint(val))
	}
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)
)

func escapeMeasurement(s string) string {
	return measurementEscaper.Replace(s)
}

func escapeKey(s string) string {
	return keyEscaper.Replace(s)
}
