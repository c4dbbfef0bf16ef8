package memstat

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed report.schema.json
var reportSchemaJSON string

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("report.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schemaCompiled, err = c.Compile("report.schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("compile schema: %w", err)
		}
	})
	return schemaCompiled, schemaErr
}

// SchemaJSON returns the embedded report schema document.
func SchemaJSON() string {
	return reportSchemaJSON
}

// ValidateReportJSON checks a serialized ClusterReport against the
// embedded schema. External consumers validate against the same document.
func ValidateReportJSON(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("report does not match schema: %w", err)
	}
	return nil
}
