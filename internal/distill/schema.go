package distill

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/joelkehle/diagdistill/internal/anatomy"
)

var ErrSchemaViolation = errors.New("canonical output violates schema")

// canonicalSchema mirrors the invariants the normalizer enforces. The organ
// enum is filled from the anatomy table at construction.
func canonicalSchema(organs []string) map[string]any {
	return map[string]any{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"required": []any{"s_symptom", "U_unit_set"},
			"properties": map[string]any{
				"s_symptom": map[string]any{"type": "string", "minLength": 1},
				"U_unit_set": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type":     "object",
						"required": []any{"u_unit"},
						"properties": map[string]any{
							"u_unit": map[string]any{
								"type":     "object",
								"required": []any{"d_diagnosis", "o_organ", "b_textual_basis"},
								"properties": map[string]any{
									"d_diagnosis": map[string]any{"type": "string", "minLength": 1},
									"o_organ": map[string]any{
										"type":     "object",
										"required": []any{"organName", "anatomicalLocations"},
										"properties": map[string]any{
											"organName": map[string]any{"enum": toAny(organs)},
											"anatomicalLocations": map[string]any{
												"type":     "array",
												"minItems": minLocations,
												"maxItems": maxLocations,
												"items":    map[string]any{"type": "string", "minLength": 1},
											},
										},
									},
									"b_textual_basis": map[string]any{
										"type":     "object",
										"required": []any{"doctorsDiagnosisAndJudgment", "medicalInference"},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// SchemaValidator checks a normalized list against the canonical schema and
// the vague-location denylist, which a schema cannot express.
type SchemaValidator struct {
	table  *anatomy.Table
	schema *gojsonschema.Schema
}

func NewSchemaValidator(table *anatomy.Table) (*SchemaValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(canonicalSchema(table.Organs())))
	if err != nil {
		return nil, fmt.Errorf("compile canonical schema: %w", err)
	}
	return &SchemaValidator{table: table, schema: s}, nil
}

func (v *SchemaValidator) Validate(entries []CanonicalSymptomEntry) error {
	if entries == nil {
		entries = []CanonicalSymptomEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	for i, e := range entries {
		for j, u := range e.Units {
			for _, loc := range u.Unit.Organ.AnatomicalLocations {
				if v.table.IsVague(loc) {
					problems = append(problems, fmt.Sprintf("%d.U_unit_set.%d: vague location %q", i, j, loc))
				}
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(problems, "; "))
	}
	return nil
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
