package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
)

const maxBodyBytes = 64 << 10

// Ids are accepted as strings or as JSON integers.
var idSchema = &jsonschema.Schema{Types: []string{"string", "integer"}}

type schemas struct {
	play  *jsonschema.Resolved
	guild *jsonschema.Resolved
}

func newSchemas() (*schemas, error) {
	play, err := (&jsonschema.Schema{
		Type:     "object",
		Required: []string{"song", "channel_id"},
		Properties: map[string]*jsonschema.Schema{
			"song":       {Type: "string", Pattern: `\S`},
			"channel_id": idSchema,
		},
	}).Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("play schema: %w", err)
	}

	guild, err := (&jsonschema.Schema{
		Type:     "object",
		Required: []string{"guild_id"},
		Properties: map[string]*jsonschema.Schema{
			"guild_id": idSchema,
		},
	}).Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("guild schema: %w", err)
	}
	return &schemas{play: play, guild: guild}, nil
}

// decodeBody validates the JSON body against rs and returns its fields.
// Numbers are kept as json.Number so large ids survive intact.
func decodeBody(req *http.Request, rs *jsonschema.Resolved) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if err := rs.Validate(instance); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return fields, nil
}

// idField renders an id given as a string or a JSON integer.
func idField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
