package workshop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const patchSchemaURL = "https://workshopwizard.local/schemas/workshop-data-patch.json"

// patchSchemaJSON はworkshopDataの部分更新に対するJSON Schema。
// トップレベルのキーごとに型を固定し、未知のキーは拒否する。
// 欠落したキーは許容する（部分更新のため）。
const patchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "$defs": {
    "text": {"type": "string", "maxLength": 20000},
    "entry": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1, "maxLength": 128},
        "description": {"$ref": "#/$defs/text"},
        "selected": {"type": "boolean"}
      }
    },
    "score": {"type": "integer", "minimum": 0, "maximum": 10},
    "chatMessage": {
      "type": "object",
      "required": ["role", "content"],
      "properties": {
        "id": {"type": "string"},
        "role": {"enum": ["user", "assistant"]},
        "content": {"$ref": "#/$defs/text"},
        "createdAt": {"type": "string"}
      }
    }
  },
  "properties": {
    "bigIdea": {
      "type": "object",
      "properties": {
        "description": {"$ref": "#/$defs/text"},
        "targetCustomers": {"$ref": "#/$defs/text"}
      }
    },
    "underlyingGoal": {
      "type": "object",
      "properties": {
        "businessGoal": {"$ref": "#/$defs/text"},
        "constraints": {"$ref": "#/$defs/text"}
      }
    },
    "triggerEvents": {"type": "array", "maxItems": 200, "items": {"$ref": "#/$defs/entry"}},
    "jobs": {"type": "array", "maxItems": 200, "items": {"$ref": "#/$defs/entry"}},
    "targetBuyers": {"type": "array", "maxItems": 200, "items": {"$ref": "#/$defs/entry"}},
    "problems": {"type": "array", "maxItems": 200, "items": {"$ref": "#/$defs/entry"}},
    "pains": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "maxLength": 128},
          "buyerId": {"type": "string"},
          "description": {"$ref": "#/$defs/text"},
          "intensity": {"type": "integer", "minimum": 0, "maximum": 10}
        }
      }
    },
    "markets": {
      "type": "array",
      "maxItems": 50,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "maxLength": 128},
          "name": {"$ref": "#/$defs/text"},
          "selected": {"type": "boolean"},
          "scores": {
            "type": "object",
            "properties": {
              "marketSize": {"$ref": "#/$defs/score"},
              "urgency": {"$ref": "#/$defs/score"},
              "accessibility": {"$ref": "#/$defs/score"},
              "willingnessToPay": {"$ref": "#/$defs/score"},
              "competitiveGap": {"$ref": "#/$defs/score"}
            }
          }
        }
      }
    },
    "valueProposition": {
      "type": "object",
      "properties": {
        "uniqueValue": {"$ref": "#/$defs/text"},
        "painSolved": {"$ref": "#/$defs/text"},
        "targetOutcome": {"$ref": "#/$defs/text"},
        "differentiator": {"$ref": "#/$defs/text"}
      }
    },
    "pricingStrategy": {"$ref": "#/$defs/text"},
    "urlSummaries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": {"type": "string"},
          "summary": {"$ref": "#/$defs/text"},
          "createdAt": {"type": "string"}
        }
      }
    },
    "chatHistory": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/chatMessage"}}
    }
  }
}`

// PatchSchema はworkshopDataの部分更新を検証する。
// コンパイル済みスキーマは並行利用できる。
type PatchSchema struct {
	schema *jsonschema.Schema
}

// NewPatchSchema は組み込みスキーマをコンパイルする。
func NewPatchSchema() (*PatchSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(patchSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse patch schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(patchSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add patch schema: %w", err)
	}

	sch, err := c.Compile(patchSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile patch schema: %w", err)
	}

	return &PatchSchema{schema: sch}, nil
}

// MustPatchSchema はNewPatchSchemaを呼び、失敗した場合はpanicする。
// 組み込みスキーマのため、失敗はプログラムの誤りを意味する。
func MustPatchSchema() *PatchSchema {
	s, err := NewPatchSchema()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate はpatchがスキーマに適合するかを検証する。
func (s *PatchSchema) Validate(patch map[string]json.RawMessage) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}

	if err := s.schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
