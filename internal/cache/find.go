package cache

import (
	"errors"
	"fmt"
	"reflect"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"mirror/internal/object"
)

// ErrInvalidPredicate is returned by Find for predicate values it does not
// understand.
var ErrInvalidPredicate = errors.New("invalid predicate")

func nestedString(obj object.Object, fields []string) (string, bool, error) {
	return unstructured.NestedString(obj, fields...)
}

// Find scans the store and returns the first object matching pred. The
// predicate may be:
//
//   - func(object.Object) bool — called per object
//   - a dotted-path string — matches when the path resolves to a truthy value
//   - []interface{}{path, value} — matches when the path deep-equals value
//   - map[string]interface{} — matches when every top-level entry deep-equals
//     the object's entry
//
// Any other predicate value fails with ErrInvalidPredicate. Scan order is
// unspecified.
func (s *Store) Find(pred interface{}) (object.Object, bool, error) {
	match, err := compilePredicate(pred)
	if err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if match(item) {
			return item, true, nil
		}
	}
	return nil, false, nil
}

func compilePredicate(pred interface{}) (func(object.Object) bool, error) {
	switch p := pred.(type) {
	case func(object.Object) bool:
		return p, nil

	case string:
		return func(obj object.Object) bool {
			v, found := object.Value(obj, p)
			return found && truthy(v)
		}, nil

	case []interface{}:
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: path/value pair must have exactly two elements, got %d", ErrInvalidPredicate, len(p))
		}
		path, ok := p[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: path must be a string, got %T", ErrInvalidPredicate, p[0])
		}
		want := p[1]
		return func(obj object.Object) bool {
			v, found := object.Value(obj, path)
			return found && reflect.DeepEqual(v, want)
		}, nil

	case map[string]interface{}:
		return func(obj object.Object) bool {
			for field, want := range p {
				got, ok := obj[field]
				if !ok || !reflect.DeepEqual(got, want) {
					return false
				}
			}
			return true
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported predicate type %T", ErrInvalidPredicate, pred)
	}
}

// truthy mirrors the loose truthiness test applied to dotted-path predicates:
// nil, false, zero numbers, and empty strings/collections do not match.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}
