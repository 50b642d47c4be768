package ingest

import (
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const activitySchemaURL = "honeyguard://schema/activity.json"

const activitySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user_id", "activity_type"],
  "properties": {
    "id": {"type": "string"},
    "user_id": {"type": "string", "minLength": 1},
    "activity_type": {"type": "string", "minLength": 1},
    "resource": {"type": ["string", "null"]},
    "ip_address": {"type": ["string", "null"]},
    "user_agent": {"type": ["string", "null"]},
    "session_id": {"type": ["string", "null"]},
    "timestamp": {"type": ["string", "null"]},
    "details": {
      "type": ["object", "null"],
      "properties": {
        "duration": {"type": ["number", "string", "null"]},
        "bytes_transferred": {"type": ["number", "string", "null"]},
        "access_count": {"type": ["number", "string", "null"]}
      }
    }
  }
}`

func compileActivitySchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(activitySchemaURL, strings.NewReader(activitySchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(activitySchemaURL)
}

// schemaFailure reduces a schema error to its most specific field and message.
func schemaFailure(err error) (string, string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "body", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		field = "body"
	}
	return strings.ReplaceAll(field, "/", "."), ve.Message
}
