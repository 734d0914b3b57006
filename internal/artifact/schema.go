package artifact

// manifestSchema validates a model bundle manifest before any field is
// trusted. Detector parameter blocks are opaque here; each detector
// validates its own block at construction.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "bundle_id", "created_at", "feature_dim", "ensemble", "detectors", "agent"],
  "properties": {
    "schema_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+$"},
    "bundle_id": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "feature_dim": {"type": "integer", "minimum": 1},
    "ensemble": {
      "type": "object",
      "required": ["weights", "threshold"],
      "properties": {
        "weights": {
          "type": "object",
          "additionalProperties": {"type": "number", "minimum": 0}
        },
        "threshold": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "detectors": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "object"}
    },
    "agent": {
      "type": "object",
      "required": ["state_dim", "actions", "weights", "bias"],
      "properties": {
        "state_dim": {"type": "integer", "minimum": 1},
        "actions": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string"}
        },
        "weights": {
          "type": "array",
          "items": {"type": "array", "items": {"type": "number"}}
        },
        "bias": {"type": "array", "items": {"type": "number"}}
      }
    }
  }
}`
