package gateway

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/novelbytelabs/arqonbus/errors"
)

// envelopeSchema is the wire contract for inbound frames. Structural
// validation happens here so the codec and Router only ever see frames
// with the right shape; semantic checks (topic grammar, known kinds)
// stay in the envelope package.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "id", "type", "room", "channel", "from", "timestamp"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "enum": ["command", "event", "command_response", "telemetry"]},
    "room": {"type": "string", "minLength": 1},
    "channel": {"type": "string", "minLength": 1},
    "from": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "minLength": 1},
    "correlation_id": {"type": "string"},
    "label": {"type": "string"},
    "payload": {}
  },
  "additionalProperties": false
}`

// Validator checks inbound frames against the envelope schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the wire schema. Compilation failure is a
// programming error and panics at startup rather than admitting
// unvalidated frames.
func NewValidator() *Validator {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		panic("gateway: envelope schema does not compile: " + err.Error())
	}
	return &Validator{schema: schema}
}

// Validate checks one raw frame. The returned error carries the
// malformed_envelope code and a summary of what failed.
func (v *Validator) Validate(raw []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Validator", "Validate",
			"frame is not JSON: "+err.Error())
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Validator", "Validate",
		strings.Join(details, "; "))
}
