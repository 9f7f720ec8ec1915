// Package params implements the typed parameter pipeline: merging
// connection defaults with request overrides, canonicalizing merged sets
// for cache keys, and validating them against a template's schema.
package params

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conduitworks/conduit-engine/pkg/models"
)

// Merge combines connection defaults with request parameters. The merge is
// per-group, per-key: request values override defaults, request-only keys
// are added, default-only keys are retained. Pure and total; type checking
// happens later in Validate so that validation always sees the final
// materialized value set.
func Merge(defaults, request models.ParamMap) models.ParamMap {
	merged := defaults.Clone()
	for group, kv := range request {
		dst, ok := merged[group]
		if !ok {
			dst = make(map[string]any, len(kv))
			merged[group] = dst
		}
		for k, v := range kv {
			dst[k] = v
		}
	}
	return merged
}

// Canonical renders a merged parameter set as a deterministic string:
// groups in canonical order, keys sorted within each group, formatted as
// GROUP:key=value joined with ";". Unrecognized groups sort after the
// canonical ones, alphabetically. Used as the parameter component of
// result cache keys.
func Canonical(p models.ParamMap) string {
	if len(p) == 0 {
		return ""
	}

	var groups []models.ParamGroup
	seen := make(map[models.ParamGroup]bool, len(p))
	for _, g := range models.ParamGroups {
		if _, ok := p[g]; ok {
			groups = append(groups, g)
			seen[g] = true
		}
	}
	var extra []string
	for g := range p {
		if !seen[g] {
			extra = append(extra, string(g))
		}
	}
	sort.Strings(extra)
	for _, g := range extra {
		groups = append(groups, models.ParamGroup(g))
	}

	var b strings.Builder
	first := true
	for _, g := range groups {
		kv := p[g]
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !first {
				b.WriteByte(';')
			}
			first = false
			fmt.Fprintf(&b, "%s:%s=%v", g, k, kv[k])
		}
	}
	return b.String()
}

// Flatten converts a merged parameter set into a sorted slice of named
// values for positional binding by engine drivers. Ordering matches
// Canonical: group canonical order, then key order.
func Flatten(p models.ParamMap) []NamedValue {
	var out []NamedValue
	for _, g := range models.ParamGroups {
		kv, ok := p[g]
		if !ok {
			continue
		}
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, NamedValue{Name: k, Value: kv[k]})
		}
	}
	return out
}

// NamedValue is one flattened parameter ready for driver binding.
type NamedValue struct {
	Name  string
	Value any
}
