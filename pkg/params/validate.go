package params

import (
	"fmt"
	"math"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/models"
)

// Validate checks a fully merged parameter set against a template's
// required-parameter schema. Every required key must be present in its
// group and carry a value of the group's scalar type. Values decoded from
// JSON arrive as float64/string/bool; integers are accepted as float64
// only when the value is integral.
func Validate(merged models.ParamMap, required map[models.ParamGroup][]string) error {
	for group, keys := range required {
		kv := merged[group]
		for _, key := range keys {
			v, ok := kv[key]
			if !ok {
				return fmt.Errorf("%w: missing required parameter %s:%s", apperrors.ErrTypeMismatch, group, key)
			}
			if !matchesGroup(group, v) {
				return fmt.Errorf("%w: parameter %s:%s has value %v (%T)", apperrors.ErrTypeMismatch, group, key, v, v)
			}
		}
	}
	return nil
}

func matchesGroup(group models.ParamGroup, v any) bool {
	switch group {
	case models.ParamInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	case models.ParamString:
		_, ok := v.(string)
		return ok
	case models.ParamBoolean:
		_, ok := v.(bool)
		return ok
	case models.ParamFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	}
	// Unknown group in a schema: nothing can satisfy it.
	return false
}
