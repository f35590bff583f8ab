package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sapiremote/internal/apperrors"
)

//go:embed submit.schema.json
var submitSchemaJSON []byte

var submitSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.schema.json", bytes.NewReader(submitSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load submit schema: %w", err)
	}
	schema, err := compiler.Compile("submit.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile submit schema: %w", err)
	}
	return schema, nil
})

// validateSubmitBody checks a raw submit body against the submission schema.
func validateSubmitBody(body []byte) error {
	schema, err := submitSchema()
	if err != nil {
		return apperrors.Internal("load schema", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperrors.Validation("body", "invalid JSON: "+err.Error())
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := firstLeaf(ve)
			field := fieldName(leaf.InstanceLocation)
			if field == "body" {
				return apperrors.Validation(field, leaf.Message)
			}
			return apperrors.Validation(field, field+": "+leaf.Message)
		}
		return apperrors.Validation("body", err.Error())
	}
	return nil
}

// firstLeaf returns the most specific cause of a validation failure.
func firstLeaf(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// fieldName turns a JSON pointer like /callback/url into callback.url.
func fieldName(pointer string) string {
	name := strings.ReplaceAll(strings.Trim(pointer, "/"), "/", ".")
	if name == "" {
		return "body"
	}
	return name
}
