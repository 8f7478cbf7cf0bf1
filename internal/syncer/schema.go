package syncer

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed snapshot_schema.json
var snapshotSchemaJSON string

// snapshotValidator checks snapshot payloads against the wire schema
// before they are applied or pushed. A malformed snapshot from a buggy
// peer must never reach the store.
type snapshotValidator struct {
	schema *jsonschema.Schema
}

func newSnapshotValidator() (*snapshotValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("snapshot.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("snapshot.json")
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &snapshotValidator{schema: schema}, nil
}

func (v *snapshotValidator) Validate(payload []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("snapshot schema validation: %w", err)
	}
	return nil
}
