// Package object defines the dynamic resource representation shared by the
// cache, listwatch, and reflector packages. Objects are plain JSON-shaped maps;
// the envelope fields a cache needs (apiVersion, kind, metadata.resourceVersion,
// metadata.uid) are read by name through the apimachinery unstructured helpers.
package object

import (
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Object is a dynamic resource record as decoded from the wire. The cache
// treats it as opaque apart from the envelope fields below.
type Object = map[string]interface{}

// APIVersion returns the object's apiVersion envelope field, or "" if absent.
func APIVersion(obj Object) string {
	v, _, _ := unstructured.NestedString(obj, "apiVersion")
	return v
}

// Kind returns the object's kind envelope field, or "" if absent.
func Kind(obj Object) string {
	v, _, _ := unstructured.NestedString(obj, "kind")
	return v
}

// ResourceVersion returns metadata.resourceVersion, or "" if absent. The value
// is an opaque server token; it is only meaningful to echo back.
func ResourceVersion(obj Object) string {
	v, _, _ := unstructured.NestedString(obj, "metadata", "resourceVersion")
	return v
}

// UID returns metadata.uid, or "" if absent.
func UID(obj Object) string {
	v, _, _ := unstructured.NestedString(obj, "metadata", "uid")
	return v
}

// Name returns metadata.name, or "" if absent.
func Name(obj Object) string {
	v, _, _ := unstructured.NestedString(obj, "metadata", "name")
	return v
}

// SplitPath splits a dotted field path ("metadata.uid") into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// Value resolves a dotted field path against an object. The second return
// reports whether every segment of the path was present.
func Value(obj Object, path string) (interface{}, bool) {
	v, found, err := unstructured.NestedFieldNoCopy(obj, SplitPath(path)...)
	if err != nil || !found {
		return nil, false
	}
	return v, true
}

// StringValue resolves a dotted field path and coerces the result to a string.
// Non-string values and missing paths yield "".
func StringValue(obj Object, path string) string {
	v, found := Value(obj, path)
	if !found {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
