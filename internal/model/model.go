// Package model turns the controller's structural document into the metric
// templates the bridge routes live values through.
package model

import (
	"codeberg.org/mutker/loxbridge/internal/point"
)

// Control is one addressable point or sub-point on the controller.
type Control struct {
	UUID     string
	Type     string // uppercased for comparison
	FieldKey string

	// Template is the push-path byte template: a complete line-protocol
	// prefix ending in "<fieldKey>=", completed by appending the formatted
	// value and " <nanosecond timestamp>".
	Template []byte

	// Builder is the poll-path structured template: measurement and tags
	// without fields, cloned per emission.
	Builder *point.Point

	Visu    bool
	VisuPwd bool

	// ParentUUID is set for sub-controls and empty for top-level controls.
	ParentUUID string
}

// Registry maps uuid to descriptor.
type Registry map[string]*Control

// Registries is the result of one build pass. Push and Poll are disjoint by
// construction: a control is either visible or it is not.
type Registries struct {
	All  Registry
	Push Registry
	Poll Registry
}
