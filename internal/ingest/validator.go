package ingest

import (
	"errors"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/sensor-data-v1.json
var sensorDataSchemaJSON string

// Absolute so the compiler never resolves it against the working directory.
const sensorDataSchemaURL = "https://schemas.fieldsense.io/sensor-data-v1.json"

// Validator checks sensor_data payloads against the embedded schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource(sensorDataSchemaURL,
		strings.NewReader(sensorDataSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(sensorDataSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Validate expects a value decoded with encoding/json into interface{}.
func (v *Validator) Validate(payload any) error {
	if err := v.schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: invalid sensor data: %s", types.ErrProtocol, describe(err))
	}
	return nil
}

// describe reduces a validation failure to the offending field and reason.
// The schema location is left out; it means nothing to a device.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	location := ve.InstanceLocation
	if location == "" {
		location = "/"
	}
	return location + ": " + ve.Message
}
