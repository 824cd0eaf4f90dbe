package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
)

// Submission schemas. Structural checks run here so the pipeline only
// sees well-formed requests; domain checks (question ranges, paper
// status) stay with the pipeline.
const keySubmissionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["paper_id", "entries"],
	"properties": {
		"paper_id": {"type": "string", "minLength": 1},
		"entries": {
			"type": "object",
			"minProperties": 1,
			"propertyNames": {"pattern": "^[1-9][0-9]*$"},
			"additionalProperties": {
				"type": "object",
				"required": ["answer", "marks"],
				"properties": {
					"answer": {"type": "string", "minLength": 1, "maxLength": 8},
					"marks": {"type": "number", "exclusiveMinimum": 0}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

const bubbleSubmissionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["answers"],
	"properties": {
		"answers": {
			"type": "object",
			"minProperties": 1,
			"propertyNames": {"pattern": "^[1-9][0-9]*$"},
			"additionalProperties": {
				"type": "object",
				"required": ["answer"],
				"properties": {
					"answer": {"type": "string", "minLength": 1, "maxLength": 8},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				},
				"additionalProperties": false
			}
		},
		"source": {"type": "string", "maxLength": 64}
	},
	"additionalProperties": false
}`

var (
	keySchema    = mustSchema("omrchain://schemas/key-submission.json", keySubmissionSchema)
	bubbleSchema = mustSchema("omrchain://schemas/bubble-submission.json", bubbleSubmissionSchema)
)

func mustSchema(url, body string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(body)); err != nil {
		panic(fmt.Sprintf("schema resource %s: %v", url, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema compile %s: %v", url, err))
	}
	return s
}

// decodeValidated reads the body once, checks it against the schema
// and then binds it. Schema violations surface as validation errors
// with the failing location in the message.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, v any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrInvalid, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", pipeline.ErrInvalid)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrInvalid, err)
	}
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("%w: %s", pipeline.ErrInvalid, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrInvalid, err)
	}
	return nil
}
