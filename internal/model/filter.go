package model

import "strings"

// Rule filters one subscription target. A non-empty whitelist wins over the
// blacklist on the same axis; types compare uppercased.
type Rule struct {
	typeBlacklist map[string]struct{}
	typeWhitelist map[string]struct{}
	uuidBlacklist map[string]struct{}
	uuidWhitelist map[string]struct{}
}

func NewRule(typeBlacklist, typeWhitelist, uuidBlacklist, uuidWhitelist []string) Rule {
	return Rule{
		typeBlacklist: toUpperSet(typeBlacklist),
		typeWhitelist: toUpperSet(typeWhitelist),
		uuidBlacklist: toSet(uuidBlacklist),
		uuidWhitelist: toSet(uuidWhitelist),
	}
}

// Includes reports whether a control of the given type and uuid passes.
func (r Rule) Includes(controlType, uuid string) bool {
	controlType = strings.ToUpper(controlType)

	if len(r.typeWhitelist) > 0 {
		if _, ok := r.typeWhitelist[controlType]; !ok {
			return false
		}
	} else if _, ok := r.typeBlacklist[controlType]; ok {
		return false
	}

	if len(r.uuidWhitelist) > 0 {
		_, ok := r.uuidWhitelist[uuid]
		return ok
	}
	_, ok := r.uuidBlacklist[uuid]

	return !ok
}

// Apply filters a registry. A sub-control passes only if its parent is
// present in the same input set and independently passes; a dangling parent
// reference drops the sub-control.
func (r Rule) Apply(controls Registry) Registry {
	filtered := make(Registry)

	include := func(c *Control) bool {
		if !r.Includes(c.Type, c.UUID) {
			return false
		}
		if c.ParentUUID != "" {
			parent, ok := controls[c.ParentUUID]
			if !ok {
				return false
			}
			if !r.Includes(parent.Type, parent.UUID) {
				return false
			}
		}

		return true
	}

	for uuid, c := range controls {
		if c.ParentUUID == "" && include(c) {
			filtered[uuid] = c
		}
	}
	for uuid, c := range controls {
		if c.ParentUUID != "" && include(c) {
			filtered[uuid] = c
		}
	}

	return filtered
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}

	return set
}

func toUpperSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[strings.ToUpper(s)] = struct{}{}
	}

	return set
}
