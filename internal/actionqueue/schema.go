package actionqueue

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// queuedActionSchema constrains persisted queue records. Feature payloads
// stay opaque; only the envelope fields the engine owns are checked.
const queuedActionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "endpoint", "method", "createdAt"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "payload": {},
    "endpoint": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "body": {},
    "createdAt": {"type": "string"},
    "attempts": {"type": "integer", "minimum": 0},
    "nextAttemptAt": {"type": "string"},
    "conflict": {"type": "boolean"},
    "lastError": {"type": "string"}
  }
}`

var compiledActionSchema = mustCompileActionSchema()

func mustCompileActionSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(queuedActionSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("queued_action.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("queued_action.json")
}

// validateActionRecord checks one raw persisted record against the
// envelope schema.
func validateActionRecord(raw json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return compiledActionSchema.Validate(inst)
}

// decodeQueueSnapshot parses a persisted snapshot, dropping records that
// fail schema validation or do not decode. A snapshot that cannot be
// parsed at all yields an empty queue.
func decodeQueueSnapshot(data []byte) []QueuedAction {
	var snapshot struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil
	}
	items := make([]QueuedAction, 0, len(snapshot.Items))
	for _, raw := range snapshot.Items {
		if err := validateActionRecord(raw); err != nil {
			continue
		}
		var action QueuedAction
		if err := json.Unmarshal(raw, &action); err != nil {
			continue
		}
		items = append(items, action)
	}
	return items
}

func encodeQueueSnapshot(items []QueuedAction) ([]byte, error) {
	snapshot := struct {
		Items []QueuedAction `json:"items"`
	}{Items: items}
	if snapshot.Items == nil {
		snapshot.Items = []QueuedAction{}
	}
	return json.MarshalIndent(snapshot, "", "  ")
}
