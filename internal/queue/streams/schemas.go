package streams

// Event types published by the orchestrator.
const (
	EventRunStep     = "run.step"
	EventRunFinished = "run.finished"
	VersionV1        = "v1"
)

// runSchemas are the payload schemas of the events a run emits.
var runSchemas = map[schemaKey]string{
	{EventRunStep, VersionV1}: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "state", "summary", "status", "timestamp"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "state": {"type": "string", "enum": ["ROUTE", "PLAN", "EXECUTE", "STASH", "REFLECT", "SYNTHESIZE", "AWAIT_HUMAN", "DONE"]},
    "summary": {"type": "string"},
    "status": {"type": "string", "enum": ["ok", "warning", "error"]},
    "timestamp": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`,
	{EventRunFinished, VersionV1}: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "status"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["completed", "failed", "timed_out"]},
    "final_answer": {"type": "string"},
    "error": {"type": "string"}
  },
  "additionalProperties": true
}`,
}

// NewRunRegistry returns a registry holding the run event schemas.
func NewRunRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	for key, schema := range runSchemas {
		if err := reg.Register(key.eventType, key.version, []byte(schema)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
