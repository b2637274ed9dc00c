// Package validation checks telemetry records against the closed device schema.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"drone_telemetry/internal/telemetry"
)

// Keywords reported in violations.
const (
	KeywordRequired   = "required"
	KeywordType       = "type"
	KeywordAdditional = "additionalProperties"
	KeywordMinimum    = "minimum"
	KeywordMaximum    = "maximum"
)

// Violation is one broken schema constraint.
type Violation struct {
	InstancePath string         `json:"instancePath"`
	SchemaPath   string         `json:"schemaPath"`
	Keyword      string         `json:"keyword"`
	Params       map[string]any `json:"params"`
	Message      string         `json:"message"`
}

// RecordViolations groups the violations of one invalid record in a batch.
type RecordViolations struct {
	Index  int             `json:"index"`
	Item   json.RawMessage `json:"item"`
	Errors []Violation     `json:"errors"`
}

// Validator holds the compiled record schema. It is safe for concurrent use.
type Validator struct {
	schema *gojsonschema.Schema
}

// New compiles the record schema.
func New() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(Schema()))
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Schema returns the JSON schema of a telemetry record. Numeric fields are
// bounded so every record that passes decodes into a Record.
func Schema() map[string]any {
	props := make(map[string]any, len(telemetry.Fields))
	required := make([]any, 0, len(telemetry.Fields))
	for _, f := range telemetry.Fields {
		switch f.Kind {
		case telemetry.KindInteger:
			props[f.Code] = map[string]any{
				"type":    "integer",
				"minimum": math.MinInt32,
				"maximum": math.MaxInt32,
			}
		case telemetry.KindNumber:
			props[f.Code] = map[string]any{
				"type":    "number",
				"minimum": -math.MaxFloat64,
				"maximum": math.MaxFloat64,
			}
		default:
			props[f.Code] = map[string]any{"type": "string"}
		}
		if !f.Optional {
			required = append(required, f.Code)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate checks a single encoded record. A nil result means the record is valid.
func (v *Validator) Validate(raw []byte) []Violation {
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return []Violation{{
			SchemaPath: "#/type",
			Keyword:    KeywordType,
			Params:     map[string]any{"type": "object"},
			Message:    "must be a JSON object: " + err.Error(),
		}}
	}
	if res.Valid() {
		return nil
	}

	out := make([]Violation, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		out = append(out, convert(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstancePath != out[j].InstancePath {
			return out[i].InstancePath < out[j].InstancePath
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// ValidateBatch validates every item and returns one entry per invalid item.
// It never stops at the first failure.
func (v *Validator) ValidateBatch(items []json.RawMessage) []RecordViolations {
	var out []RecordViolations
	for i, item := range items {
		if errs := v.Validate(item); len(errs) > 0 {
			out = append(out, RecordViolations{Index: i, Item: item, Errors: errs})
		}
	}
	return out
}

func convert(e gojsonschema.ResultError) Violation {
	path := instancePath(e.Context())
	details := e.Details()

	switch e.Type() {
	case "required":
		prop := fmt.Sprint(details["property"])
		return Violation{
			InstancePath: path,
			SchemaPath:   "#/required",
			Keyword:      KeywordRequired,
			Params:       map[string]any{"missingProperty": prop},
			Message:      fmt.Sprintf("must have required property '%s'", prop),
		}
	case "additional_property_not_allowed":
		prop := fmt.Sprint(details["property"])
		return Violation{
			InstancePath: path,
			SchemaPath:   "#/additionalProperties",
			Keyword:      KeywordAdditional,
			Params:       map[string]any{"additionalProperty": prop},
			Message:      fmt.Sprintf("must NOT have additional property '%s'", prop),
		}
	case "invalid_type":
		expected := fmt.Sprint(details["expected"])
		schemaPath := "#/type"
		if path != "" {
			schemaPath = "#/properties" + path + "/type"
		}
		return Violation{
			InstancePath: path,
			SchemaPath:   schemaPath,
			Keyword:      KeywordType,
			Params:       map[string]any{"type": expected},
			Message:      "must be " + expected,
		}
	case "number_gte":
		return bound(path, KeywordMinimum, ">=", details["min"])
	case "number_lte":
		return bound(path, KeywordMaximum, "<=", details["max"])
	default:
		return Violation{
			InstancePath: path,
			SchemaPath:   "#",
			Keyword:      e.Type(),
			Params:       map[string]any{},
			Message:      e.Description(),
		}
	}
}

func bound(path, keyword, comparison string, limit any) Violation {
	var n float64
	if f, ok := limit.(*big.Float); ok {
		n, _ = f.Float64()
	}
	return Violation{
		InstancePath: path,
		SchemaPath:   "#/properties" + path + "/" + keyword,
		Keyword:      keyword,
		Params:       map[string]any{"comparison": comparison, "limit": n},
		Message:      "must be " + comparison + " " + strconv.FormatFloat(n, 'g', -1, 64),
	}
}

// instancePath turns "(root).AD" into "/AD".
func instancePath(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return ""
	}
	s := strings.TrimPrefix(ctx.String(), "(root)")
	if s == "" {
		return ""
	}
	return strings.ReplaceAll(s, ".", "/")
}
