package correlate

import (
	"herringbone/core"
)

// IdentityValues resolves each correlate_on path against an event
// document and returns the flat dotted-path -> value map. Paths the
// document does not contain are skipped rather than recorded as null,
// so an absent field never becomes part of an incident's identity.
func IdentityValues(correlateOn []string, doc map[string]interface{}) map[string]interface{} {
	values := make(map[string]interface{})
	for _, path := range correlateOn {
		if path == "" {
			continue
		}
		if v, ok := core.ResolvePath(doc, path); ok {
			values[path] = v
		}
	}
	return values
}

// NestIdentity expands flat dotted-path values into the nested document
// stored on the incident as correlation_identity.
func NestIdentity(values map[string]interface{}) map[string]interface{} {
	nested := make(map[string]interface{})
	for path, v := range values {
		core.BuildPath(nested, path, v)
	}
	return nested
}
