package definition

import "github.com/santhosh-tekuri/jsonschema/v5"

// definitionSchema is the structural contract for definition.json.
// Referential checks (area links, dependencies, cycles) run after this
// in Parse because JSON Schema cannot express them.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["areas", "packets"],
  "properties": {
    "schema_version": {"type": "string"},
    "areas": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    },
    "packets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "wbs_ref", "area_id", "title"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "wbs_ref": {"type": "string", "minLength": 1},
          "area_id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "scope": {"type": "string"},
          "preconditions": {"type": "array", "items": {"type": "string"}},
          "required_actions": {"type": "array", "items": {"type": "string"}},
          "required_outputs": {"type": "array", "items": {"type": "string"}},
          "validation_checks": {"type": "array", "items": {"type": "string"}},
          "exit_criteria": {"type": "array", "items": {"type": "string"}},
          "halt_conditions": {"type": "array", "items": {"type": "string"}},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "preflight_required": {"type": "boolean"},
          "review_required": {"type": "boolean"},
          "heartbeat_required": {"type": "boolean"},
          "heartbeat_interval_seconds": {"type": "integer", "minimum": 1},
          "context_manifest": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["file"],
              "properties": {
                "file": {"type": "string", "minLength": 1},
                "priority": {"type": "string"},
                "required": {"type": "boolean"}
              }
            }
          },
          "template_ref": {"type": "string"},
          "ontology_required": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("definition.schema.json", definitionSchema)
