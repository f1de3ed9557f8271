// Package validate evaluates candidate field maps against an intake's JSON
// Schema and maps constraint failures to structured field errors and
// next-action hints.
//
// Two modes exist. Partial validation (in-progress submissions) reports
// missing required fields as hints without failing, because those fields are
// expected to be filled by a later actor. Full validation (submit) requires
// every declared field to be present and valid.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// Mode selects partial or full validation.
type Mode int

const (
	Partial Mode = iota
	Full
)

// FieldInfo is the validator's introspected view of one declared field.
type FieldInfo struct {
	Path     string
	Type     string
	Format   string
	Required bool
	// Upload constraints, populated for file-typed fields (format: binary).
	MaxBytes int64
	Accept   []string
}

// File reports whether the field is file-typed and satisfied by an upload
// rather than an inline value.
func (fi *FieldInfo) File() bool { return fi.Format == "binary" }

// Result is the outcome of a validation pass.
type Result struct {
	OK          bool
	Normalized  map[string]any
	Errors      []contracts.FieldError
	Missing     []string
	NextActions []contracts.NextAction
}

type compiledSchema struct {
	schema *jsonschema.Schema
	fields map[string]*FieldInfo
}

// Validator compiles intake schemas once and caches them by content hash.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*compiledSchema
}

// New creates a validator with an empty schema cache.
func New() *Validator {
	return &Validator{cache: make(map[string]*compiledSchema)}
}

func (v *Validator) compile(raw json.RawMessage) (*compiledSchema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	cs, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cs, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	schemaURL := fmt.Sprintf("https://formbridge.schemas.local/intake/%s.schema.json", key[:16])
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema decode failed: %w", err)
	}

	cs = &compiledSchema{schema: compiled, fields: introspect(doc)}
	v.mu.Lock()
	v.cache[key] = cs
	v.mu.Unlock()
	return cs, nil
}

// Fields returns the declared-field table for a schema.
func (v *Validator) Fields(schema json.RawMessage) (map[string]*FieldInfo, error) {
	cs, err := v.compile(schema)
	if err != nil {
		return nil, err
	}
	return cs.fields, nil
}

// FileField looks up a declared file-typed field by path.
func (v *Validator) FileField(schema json.RawMessage, path string) (*FieldInfo, error) {
	cs, err := v.compile(schema)
	if err != nil {
		return nil, err
	}
	fi, ok := cs.fields[path]
	if !ok || !fi.File() {
		return nil, nil
	}
	return fi, nil
}

// Validate evaluates a flattened field map against the schema.
//
// completedFiles names the file-typed field paths already satisfied by a
// completed upload; file fields are never validated inline.
//
// In Partial mode, absent required fields become Missing entries plus
// collect_field / request_upload hints; only constraint failures on present
// fields fail the result. In Full mode, missing required fields fail with
// `required` (or `file_required`) diagnostics.
func (v *Validator) Validate(schema json.RawMessage, fields map[string]any, completedFiles map[string]bool, mode Mode) (*Result, error) {
	cs, err := v.compile(schema)
	if err != nil {
		return nil, err
	}

	res := &Result{Normalized: fields}

	present := make(map[string]bool, len(fields))
	for p := range fields {
		present[p] = true
	}

	for path, fi := range cs.fields {
		if !fi.Required {
			continue
		}
		if fi.File() {
			if !completedFiles[path] {
				res.Missing = append(res.Missing, path)
			}
			continue
		}
		if !present[path] {
			res.Missing = append(res.Missing, path)
		}
	}

	verr := cs.schema.Validate(Unflatten(fields))
	if verr != nil {
		ve, ok := verr.(*jsonschema.ValidationError)
		if !ok {
			return nil, fmt.Errorf("schema validation failed: %w", verr)
		}
		for _, leaf := range leaves(ve) {
			keyword := lastKeyword(leaf.KeywordLocation)
			path := instancePath(leaf.InstanceLocation)
			if keyword == "required" {
				// Absent-required is reported via Missing; present
				// required failures were already caught above.
				continue
			}
			if cs.fields[path] != nil && cs.fields[path].File() {
				continue
			}
			if mode == Partial && !touches(present, path) {
				continue
			}
			res.Errors = append(res.Errors, contracts.FieldError{
				Path:    path,
				Code:    keywordCode(keyword),
				Message: leaf.Message,
			})
		}
	}

	if mode == Full {
		for _, path := range res.Missing {
			code := contracts.FieldErrRequired
			msg := fmt.Sprintf("field %q is required", path)
			if fi := cs.fields[path]; fi != nil && fi.File() {
				code = contracts.FieldErrFileRequired
				msg = fmt.Sprintf("field %q requires a completed upload", path)
			}
			res.Errors = append(res.Errors, contracts.FieldError{
				Path:    path,
				Code:    code,
				Message: msg,
			})
		}
	}

	for _, path := range res.Missing {
		fi := cs.fields[path]
		if fi != nil && fi.File() {
			res.NextActions = append(res.NextActions, contracts.NextAction{
				Action:   contracts.ActionRequestUpload,
				Field:    path,
				Accept:   fi.Accept,
				MaxBytes: fi.MaxBytes,
			})
			continue
		}
		res.NextActions = append(res.NextActions, contracts.NextAction{
			Action: contracts.ActionCollectField,
			Field:  path,
		})
	}
	for _, fe := range res.Errors {
		if fe.Code == contracts.FieldErrRequired || fe.Code == contracts.FieldErrFileRequired {
			continue // already hinted via Missing
		}
		res.NextActions = append(res.NextActions, contracts.NextAction{
			Action: contracts.ActionCollectField,
			Field:  fe.Path,
		})
	}

	res.OK = len(res.Errors) == 0
	return res, nil
}

// touches reports whether path or one of its descendants was provided by the
// caller. Errors on untouched subtrees are deferred to later actors.
func touches(present map[string]bool, path string) bool {
	if path == "" {
		return false
	}
	if present[path] {
		return true
	}
	prefix := path + "."
	for p := range present {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func lastKeyword(keywordLocation string) string {
	segs := strings.Split(keywordLocation, "/")
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func keywordCode(keyword string) contracts.FieldErrorCode {
	switch keyword {
	case "required":
		return contracts.FieldErrRequired
	case "type":
		return contracts.FieldErrInvalidType
	case "format":
		return contracts.FieldErrInvalidFormat
	case "maxLength", "maxItems", "maxProperties":
		return contracts.FieldErrTooLong
	case "minLength", "minItems", "minProperties":
		return contracts.FieldErrTooShort
	case "enum", "const", "pattern", "minimum", "maximum",
		"exclusiveMinimum", "exclusiveMaximum", "multipleOf":
		return contracts.FieldErrInvalidValue
	}
	return contracts.FieldErrCustom
}

// introspect walks properties/required recursively, building the declared
// field table keyed by dotted path. A field counts as required only if every
// ancestor on its path is required too.
func introspect(doc map[string]any) map[string]*FieldInfo {
	out := make(map[string]*FieldInfo)

	var walk func(prefix string, node map[string]any, ancestorsRequired bool)
	walk = func(prefix string, node map[string]any, ancestorsRequired bool) {
		props, _ := node["properties"].(map[string]any)
		required := stringSet(node["required"])

		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			fi := &FieldInfo{
				Path:     path,
				Type:     asString(prop["type"]),
				Format:   asString(prop["format"]),
				Required: ancestorsRequired && required[name],
			}
			if fi.File() {
				fi.MaxBytes = asInt64(prop["maxBytes"])
				fi.Accept = stringSlice(prop["accept"])
			}
			out[path] = fi
			if fi.Type == "object" {
				walk(path, prop, fi.Required)
			}
		}
	}
	walk("", doc, true)
	return out
}

func stringSet(v any) map[string]bool {
	out := make(map[string]bool)
	list, _ := v.([]any)
	for _, item := range list {
		if s, ok := item.(string); ok {
			out[s] = true
		}
	}
	return out
}

func stringSlice(v any) []string {
	list, _ := v.([]any)
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
