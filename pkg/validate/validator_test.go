package validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/formbridge/pkg/contracts"
)

var testSchema = json.RawMessage(`{
	"type": "object",
	"required": ["legalName", "taxId", "contact", "w9"],
	"properties": {
		"legalName": {"type": "string", "minLength": 1},
		"taxId": {"type": "string", "pattern": "^[0-9]{2}-[0-9]{7}$"},
		"employees": {"type": "integer", "minimum": 1},
		"contact": {
			"type": "object",
			"required": ["email"],
			"properties": {
				"email": {"type": "string"},
				"phone": {"type": "string"}
			}
		},
		"w9": {"type": "string", "format": "binary", "maxBytes": 1048576, "accept": ["application/pdf"]}
	}
}`)

func TestPartialReportsMissingAsHints(t *testing.T) {
	v := New()
	res, err := v.Validate(testSchema, map[string]any{"legalName": "Acme Corp"}, nil, Partial)
	require.NoError(t, err)

	assert.True(t, res.OK, "missing fields must not fail a partial pass")
	assert.ElementsMatch(t, []string{"taxId", "contact.email", "w9"}, res.Missing)

	var uploadHint *contracts.NextAction
	for i := range res.NextActions {
		if res.NextActions[i].Action == contracts.ActionRequestUpload {
			uploadHint = &res.NextActions[i]
		}
	}
	require.NotNil(t, uploadHint, "file field should hint request_upload")
	assert.Equal(t, "w9", uploadHint.Field)
	assert.Equal(t, int64(1048576), uploadHint.MaxBytes)
	assert.Equal(t, []string{"application/pdf"}, uploadHint.Accept)
}

func TestPartialFailsOnPresentBadValue(t *testing.T) {
	v := New()
	res, err := v.Validate(testSchema, map[string]any{"taxId": "not-a-tax-id"}, nil, Partial)
	require.NoError(t, err)

	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "taxId", res.Errors[0].Path)
	assert.Equal(t, contracts.FieldErrInvalidValue, res.Errors[0].Code)
}

func TestPartialIgnoresUntouchedSubtrees(t *testing.T) {
	v := New()
	// employees violates minimum but was never provided; only the provided
	// field may fail the pass.
	res, err := v.Validate(testSchema, map[string]any{"legalName": "Acme"}, nil, Partial)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestFullRequiresEverything(t *testing.T) {
	v := New()
	res, err := v.Validate(testSchema, map[string]any{
		"legalName":     "Acme Corp",
		"taxId":         "12-3456789",
		"contact.email": "ap@acme.example",
	}, nil, Full)
	require.NoError(t, err)

	assert.False(t, res.OK)
	codes := map[string]contracts.FieldErrorCode{}
	for _, fe := range res.Errors {
		codes[fe.Path] = fe.Code
	}
	assert.Equal(t, contracts.FieldErrFileRequired, codes["w9"])
}

func TestFullPassesWithCompletedUpload(t *testing.T) {
	v := New()
	res, err := v.Validate(testSchema, map[string]any{
		"legalName":     "Acme Corp",
		"taxId":         "12-3456789",
		"contact.email": "ap@acme.example",
		"employees":     12,
	}, map[string]bool{"w9": true}, Full)
	require.NoError(t, err)

	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
}

func TestFullTypeError(t *testing.T) {
	v := New()
	res, err := v.Validate(testSchema, map[string]any{
		"legalName":     "Acme Corp",
		"taxId":         "12-3456789",
		"contact.email": "ap@acme.example",
		"employees":     "twelve",
	}, map[string]bool{"w9": true}, Full)
	require.NoError(t, err)

	assert.False(t, res.OK)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "employees", res.Errors[0].Path)
	assert.Equal(t, contracts.FieldErrInvalidType, res.Errors[0].Code)
}

func TestFieldIntrospection(t *testing.T) {
	v := New()
	fields, err := v.Fields(testSchema)
	require.NoError(t, err)

	w9 := fields["w9"]
	require.NotNil(t, w9)
	assert.True(t, w9.File())
	assert.True(t, w9.Required)

	email := fields["contact.email"]
	require.NotNil(t, email)
	assert.True(t, email.Required)

	phone := fields["contact.phone"]
	require.NotNil(t, phone)
	assert.False(t, phone.Required)

	fi, err := v.FileField(testSchema, "w9")
	require.NoError(t, err)
	require.NotNil(t, fi)

	fi, err = v.FileField(testSchema, "legalName")
	require.NoError(t, err)
	assert.Nil(t, fi, "non-file fields are not upload targets")
}

func TestInvalidSchema(t *testing.T) {
	v := New()
	_, err := v.Validate(json.RawMessage(`{"type": 42}`), nil, nil, Partial)
	assert.Error(t, err)
}
