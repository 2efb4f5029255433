package remotesync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/visitorsync/internal/codec"
	"github.com/agentworkforce/visitorsync/internal/record"
)

const remoteRecordSchemaURL = "visitor-record.schema.json"

const remoteRecordSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"params": {
			"type": "object",
			"properties": {"timestamp": {"type": "integer", "minimum": 0}},
			"additionalProperties": {"type": "string"}
		},
		"createdAt": {"type": "integer", "minimum": 0},
		"updatedAt": {"type": "integer", "minimum": 0},
		"remoteUpdatedAt": {"type": "integer", "minimum": 0},
		"userAgent": {"type": "string"},
		"referer": {"type": "string"}
	}
}`

var compileRemoteSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(remoteRecordSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(remoteRecordSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(remoteRecordSchemaURL)
})

// EncodeRecord produces the opaque data string of the wire payload.
func EncodeRecord(r record.Record) (string, error) {
	return codec.Encode(r)
}

// DecodeRecord reverses EncodeRecord and validates the result. Any failure
// wraps codec.ErrMalformed and means there is no usable remote data.
func DecodeRecord(data string) (record.Record, error) {
	text, err := codec.DecodeText(data)
	if err != nil {
		return record.Record{}, err
	}
	schema, err := compileRemoteSchema()
	if err != nil {
		return record.Record{}, fmt.Errorf("compile remote record schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	if err := schema.Validate(inst); err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	var out record.Record
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	return out, nil
}
