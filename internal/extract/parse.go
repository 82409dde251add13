package extract

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
)

// ErrSchemaInvalid marks a model response that could not be parsed into the
// item's schema. It escalates the fallback chain rather than retrying the
// same provider.
var ErrSchemaInvalid = eris.New("extract: schema-invalid response")

func schemaInvalid(err error) error {
	return resilience.Permanent(eris.Wrap(ErrSchemaInvalid, err.Error()))
}

// IsSchemaInvalid reports whether err came from an unparseable response.
func IsSchemaInvalid(err error) bool {
	return eris.Is(err, ErrSchemaInvalid)
}

// ParseResponse decodes a model response for one item into the tagged result
// variant. Malformed JSON is repaired first; LLMs routinely emit trailing
// commas and markdown fences.
func ParseResponse(itemNo int, text string) (*model.ExtractionResult, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, schemaInvalid(eris.New("empty response"))
	}

	if !json.Valid([]byte(raw)) {
		repaired, err := jsonrepair.RepairJSON(raw)
		if err != nil {
			return nil, schemaInvalid(eris.Wrap(err, "repair"))
		}
		raw = repaired
	}

	res := &model.ExtractionResult{ItemNo: itemNo}
	var err error
	switch itemNo {
	case 5:
		res.Item5, err = decodeInto[model.Item5Fees](raw)
	case 6:
		res.Item6, err = decodeInto[model.Item6Fees](raw)
	case 7:
		res.Item7, err = decodeInto[model.Item7Investment](raw)
	case 19:
		res.Item19, err = decodeInto[model.Item19FPR](raw)
	case 20:
		res.Item20, err = decodeInto[model.Item20Outlets](raw)
	case 21:
		res.Item21, err = decodeInto[model.Item21Financials](raw)
	default:
		res.Generic, err = decodeGeneric(raw)
	}
	if err != nil {
		return nil, schemaInvalid(err)
	}
	return res, nil
}

func decodeInto[T any](raw string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, eris.Wrap(err, "decode")
	}
	return &v, nil
}

// decodeGeneric accepts either the full envelope or a bare payload object,
// wrapping the latter under the current generic schema version.
func decodeGeneric(raw string) (*model.GenericItem, error) {
	var g model.GenericItem
	if err := json.Unmarshal([]byte(raw), &g); err == nil && g.SchemaVersion != "" && len(g.Payload) > 0 {
		return &g, nil
	}

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, eris.Wrap(err, "decode generic")
	}
	// Payload must be a JSON object, not a scalar or array.
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, eris.New("generic payload is not an object")
	}
	return &model.GenericItem{SchemaVersion: GenericSchemaVersion, Payload: payload}, nil
}
