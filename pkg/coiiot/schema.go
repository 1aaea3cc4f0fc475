package coiiot

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// commandMessageSchema rejects structurally broken command payloads before
// decoding. Tag values stay unconstrained; the platform sends numbers,
// strings, bools and location objects.
const commandMessageSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["devices"],
	"properties": {
		"command": {"$ref": "#/definitions/command"},
		"devices": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["device_id", "command"],
				"properties": {
					"device_id": {"type": "integer"},
					"command": {"$ref": "#/definitions/command"}
				}
			}
		}
	},
	"definitions": {
		"command": {
			"type": "object",
			"required": ["id", "tags", "timestamp"],
			"properties": {
				"id": {"type": "string"},
				"timestamp": {"type": "integer"},
				"tags": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["id", "value"],
						"properties": {
							"id": {"type": "integer"}
						}
					}
				}
			}
		}
	}
}`

var commandSchema = gojsonschema.NewStringLoader(commandMessageSchema)

// ValidateCommandMessage checks an inbound command payload against the
// platform schema and returns every violation in one error.
func ValidateCommandMessage(data []byte) error {
	res, err := gojsonschema.Validate(commandSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if res.Valid() {
		return nil
	}
	var details []string
	for _, desc := range res.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrParse, strings.Join(details, "; "))
}
