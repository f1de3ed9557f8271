package validate

import (
	"fmt"
	"strings"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// reservedSegments are rejected on every path segment at the write boundary.
// The reservation keeps internal namespaces from colliding with user data and
// blocks prototype-pollution-style keys arriving from untrusted callers.
var reservedSegments = map[string]bool{
	"constructor": true,
	"prototype":   true,
	"__proto__":   true,
}

// ReservedPath reports whether any segment of the dotted path is reserved.
// Names starting with "__" are reserved wholesale.
func ReservedPath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if reservedSegments[seg] || strings.HasPrefix(seg, "__") {
			return true
		}
	}
	return false
}

// CheckPaths returns a diagnostic per reserved field path in fields.
func CheckPaths(fields map[string]any) []contracts.FieldError {
	var errs []contracts.FieldError
	for path := range fields {
		if ReservedPath(path) {
			errs = append(errs, contracts.FieldError{
				Path:    path,
				Code:    contracts.FieldErrInvalidValue,
				Message: fmt.Sprintf("field path %q uses a reserved name", path),
			})
		}
	}
	return errs
}

// Unflatten expands a dotted-path field map into the nested object shape the
// schema describes. Later paths win on conflict.
func Unflatten(fields map[string]any) map[string]any {
	root := make(map[string]any)
	for path, value := range fields {
		segs := strings.Split(path, ".")
		node := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
		node[segs[len(segs)-1]] = value
	}
	return root
}

// instancePath converts a JSON-pointer instance location ("/user/name") to
// the dotted form used on the wire ("user.name").
func instancePath(loc string) string {
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" {
		return ""
	}
	segs := strings.Split(loc, "/")
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~1", "/")
		segs[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return strings.Join(segs, ".")
}
