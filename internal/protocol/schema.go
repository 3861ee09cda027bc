package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// SchemaDocument renders the wire protocol as a JSON schema so clients and
// tooling can validate payloads without parsing Go source. The document is a
// oneOf across every outbound and inbound envelope.
func SchemaDocument() ([]byte, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	variants := []struct {
		title string
		value any
	}{
		{"Join Request", Join{}},
		{"State Update Request", Update{}},
		{"Chat Request", Chat{}},
		{"Game Event Request", GameEvent{}},
		{"Welcome", Welcome{}},
		{"Room Update", RoomUpdate{}},
		{"Chat Message", ChatMessage{}},
		{"Update Ack", UpdateAck{}},
		{"Pong", Pong{}},
		{"Error", ErrorMessage{}},
	}

	oneOf := make([]*jsonschema.Schema, 0, len(variants))
	for _, variant := range variants {
		schema := reflector.ReflectFromType(reflect.TypeOf(variant.value))
		if schema == nil {
			return nil, fmt.Errorf("failed to reflect schema for %s", variant.title)
		}
		schema.Version = ""
		schema.Title = variant.title
		oneOf = append(oneOf, schema)
	}

	root := &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Zombie Survivor Coordinator Protocol",
		Description: "JSON message envelopes exchanged between clients and the realtime session coordinator.",
		OneOf:       oneOf,
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal protocol schema: %w", err)
	}
	return append(data, '\n'), nil
}
