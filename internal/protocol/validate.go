package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"hexclaim.io/internal/territory"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	SchemaZoneRows    = "zone_rows.schema.json"
	SchemaSpawnBatch  = "spawn_batch.schema.json"
	SchemaChangeFrame = "change_frame.schema.json"
)

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	schemas = map[string]*jsonschema.Schema{}
	for _, name := range []string{SchemaZoneRows, SchemaSpawnBatch, SchemaChangeFrame} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = err
			return
		}
		s, err := jsonschema.CompileString(name, string(raw))
		if err != nil {
			schemaErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		schemas[name] = s
	}
}

// Validate checks raw JSON against one of the embedded schemas. Failures are
// reported as E_BAD_REQUEST.
func Validate(name string, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return territory.Errorf(ErrBadRequest, "malformed json: %v", err)
	}
	if err := s.Validate(v); err != nil {
		return territory.Errorf(ErrBadRequest, "%s: %v", name, err)
	}
	return nil
}

// DecodeZoneRows validates a bulk-fetch payload and converts it to zones.
func DecodeZoneRows(raw []byte) ([]territory.Zone, error) {
	if err := Validate(SchemaZoneRows, raw); err != nil {
		return nil, err
	}
	var rows []ZoneRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, territory.Errorf(ErrBadRequest, "zones: %v", err)
	}
	out := make([]territory.Zone, 0, len(rows))
	for _, r := range rows {
		out = append(out, ZoneFromRow(r))
	}
	return out, nil
}

func DecodeSpawnBatch(raw []byte) (territory.SpawnBatch, error) {
	var batch territory.SpawnBatch
	if err := Validate(SchemaSpawnBatch, raw); err != nil {
		return batch, err
	}
	var req SpawnBatchReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return batch, territory.Errorf(ErrBadRequest, "spawn batch: %v", err)
	}
	for _, p := range req.Profiles {
		batch.Profiles = append(batch.Profiles, ProfileFromRow(p))
	}
	for _, z := range req.Zones {
		batch.Zones = append(batch.Zones, ZoneFromRow(z))
	}
	return batch, nil
}

func DecodeChangeFrame(raw []byte) (ChangeFrame, error) {
	var f ChangeFrame
	if err := Validate(SchemaChangeFrame, raw); err != nil {
		return f, err
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, territory.Errorf(ErrBadRequest, "change frame: %v", err)
	}
	return f, nil
}
