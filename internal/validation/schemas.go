package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator checks structured LLM outputs against the declared
// response schemas before anything downstream trusts them.
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// Schema names for the five structured LLM calls.
const (
	SchemaDomainClassification     = "domain-classification"
	SchemaCriteriaExtraction       = "criteria-extraction"
	SchemaGeneratedQuestion        = "generated-question"
	SchemaRefinementClassification = "refinement-classification"
	SchemaComparisonNarrative      = "comparison-narrative"
)

var builtinSchemas = map[string]string{
	SchemaDomainClassification: `{
		"type": "object",
		"required": ["domain"],
		"properties": {
			"domain": {"type": "string", "enum": ["vehicles", "laptops", "books", "none"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	SchemaCriteriaExtraction: `{
		"type": "object",
		"required": ["extracted", "is_impatient", "wants_recommendations"],
		"properties": {
			"extracted": {
				"type": "object",
				"additionalProperties": {"type": ["string", "number"]}
			},
			"is_impatient": {"type": "boolean"},
			"wants_recommendations": {"type": "boolean"}
		}
	}`,
	SchemaGeneratedQuestion: `{
		"type": "object",
		"required": ["question", "quick_replies"],
		"properties": {
			"question": {"type": "string", "minLength": 1},
			"quick_replies": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 2,
				"maxItems": 4
			},
			"invite": {"type": "string"}
		}
	}`,
	SchemaRefinementClassification: `{
		"type": "object",
		"required": ["intent"],
		"properties": {
			"intent": {
				"type": "string",
				"enum": ["compare", "refine_filters", "domain_switch", "new_search", "action", "other"]
			},
			"new_domain": {"type": "string"},
			"updated_criteria": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["slot_name", "value"],
					"properties": {
						"slot_name": {"type": "string"},
						"value": {"type": ["string", "number"]}
					}
				}
			}
		}
	}`,
	SchemaComparisonNarrative: `{
		"type": "object",
		"required": ["narrative", "selected_ids"],
		"properties": {
			"narrative": {"type": "string", "minLength": 1},
			"selected_ids": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 1,
				"maxItems": 3
			}
		}
	}`,
}

// NewSchemaValidator compiles the built-in LLM response schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	sv := &SchemaValidator{
		schemas: make(map[string]*gojsonschema.Schema, len(builtinSchemas)),
	}

	for name, raw := range builtinSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		sv.schemas[name] = schema
	}

	return sv, nil
}

// Validate checks data (a JSON string, raw bytes, or a marshalable
// value) against a named schema.
func (sv *SchemaValidator) Validate(schemaName string, data interface{}) *ValidationResult {
	schema, exists := sv.schemas[schemaName]
	if !exists {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "schema",
				Message: fmt.Sprintf("Schema '%s' not found", schemaName),
				Code:    "SCHEMA_NOT_FOUND",
			}},
		}
	}

	var documentLoader gojsonschema.JSONLoader
	switch v := data.(type) {
	case string:
		documentLoader = gojsonschema.NewStringLoader(v)
	case []byte:
		documentLoader = gojsonschema.NewBytesLoader(v)
	default:
		jsonBytes, err := json.Marshal(data)
		if err != nil {
			return &ValidationResult{
				Valid: false,
				Errors: []ValidationError{{
					Field:   "data",
					Message: fmt.Sprintf("Failed to marshal data to JSON: %v", err),
					Code:    "JSON_MARSHAL_ERROR",
				}},
			}
		}
		documentLoader = gojsonschema.NewBytesLoader(jsonBytes)
	}

	result, err := schema.Validate(documentLoader)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "validation",
				Message: fmt.Sprintf("Validation error: %v", err),
				Code:    "VALIDATION_ERROR",
			}},
		}
	}

	validationResult := &ValidationResult{
		Valid:  result.Valid(),
		Errors: make([]ValidationError, 0),
	}

	if !result.Valid() {
		for _, err := range result.Errors() {
			validationResult.Errors = append(validationResult.Errors, ValidationError{
				Field:   err.Field(),
				Message: err.Description(),
				Code:    "VALIDATION_ERROR",
				Value:   err.Value(),
				Context: err.Context().String(),
			})
		}
	}

	return validationResult
}

// SchemaExists checks if a schema with the given name is registered.
func (sv *SchemaValidator) SchemaExists(name string) bool {
	_, exists := sv.schemas[name]
	return exists
}

// AvailableSchemas returns the registered schema names.
func (sv *SchemaValidator) AvailableSchemas() []string {
	schemas := make([]string, 0, len(sv.schemas))
	for name := range sv.schemas {
		schemas = append(schemas, name)
	}
	return schemas
}

// ValidationResult represents the result of a validation operation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
	Context string      `json:"context,omitempty"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// FirstError flattens the result into a single error, or nil when
// valid.
func (vr *ValidationResult) FirstError() error {
	if vr.Valid || len(vr.Errors) == 0 {
		return nil
	}
	return vr.Errors[0]
}
