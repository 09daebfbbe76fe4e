package storage

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tatianab/worldcore/internal/models"
)

//go:embed schema/*.json
var schemaFS embed.FS

var loadSchemas = sync.OnceValues(func() (map[string]*gojsonschema.Schema, error) {
	out := make(map[string]*gojsonschema.Schema)
	for _, name := range []string{"rumor", "state"} {
		raw, err := schemaFS.ReadFile("schema/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", name, err)
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
})

func validate(name string, data []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	result, err := schemas[name].Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}
	return nil
}

// EncodeRumor renders a rumor as a JSON document.
func EncodeRumor(r *models.Rumor) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode rumor %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRumor validates and parses a JSON rumor document.
func DecodeRumor(data []byte) (*models.Rumor, error) {
	if err := validate("rumor", data); err != nil {
		return nil, err
	}
	var r models.Rumor
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &r, nil
}

// EncodeState renders a state snapshot as a JSON document.
func EncodeState(snap models.StateSnapshot) ([]byte, error) {
	if snap == nil {
		snap = models.StateSnapshot{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState validates and parses a JSON state document. Numeric values come
// back as float64.
func DecodeState(data []byte) (models.StateSnapshot, error) {
	if err := validate("state", data); err != nil {
		return nil, err
	}
	snap := models.StateSnapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return snap, nil
}
