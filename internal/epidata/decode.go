package epidata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/TobiSchelling/ilicrawler/internal/database"
)

// parseBody accepts either a bare JSON array of records (format=json) or the
// classic envelope {"result": n, "epidata": [...], "message": "..."}.
// Any other well-formed JSON value yields no records.
func parseBody(body []byte) ([]any, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("empty response body")
		}
		return nil, "", err
	}

	switch x := v.(type) {
	case []any:
		return x, "", nil
	case map[string]any:
		message, _ := x["message"].(string)
		records, _ := x["epidata"].([]any)
		return records, message, nil
	default:
		return nil, "", nil
	}
}

// toObservation copies the fixed field set out of one record. Missing, null,
// or mistyped fields become nil. The second return is false when the record
// cannot be keyed by (region, epiweek).
func toObservation(rec any) (database.Observation, bool) {
	m, ok := rec.(map[string]any)
	if !ok {
		return database.Observation{}, false
	}

	o := database.Observation{
		ReleaseDate:  asString(m["release_date"]),
		Region:       asString(m["region"]),
		Issue:        asInt(m["issue"]),
		Epiweek:      asInt(m["epiweek"]),
		Lag:          asInt(m["lag"]),
		NumILI:       asInt(m["num_ili"]),
		NumPatients:  asInt(m["num_patients"]),
		NumProviders: asInt(m["num_providers"]),
		NumAge0:      asInt(m["num_age_0"]),
		NumAge1:      asInt(m["num_age_1"]),
		NumAge2:      asInt(m["num_age_2"]),
		NumAge3:      asInt(m["num_age_3"]),
		NumAge4:      asInt(m["num_age_4"]),
		NumAge5:      asInt(m["num_age_5"]),
		WILI:         asFloat(m["wili"]),
		ILI:          asFloat(m["ili"]),
	}
	return o, o.HasKey()
}

func asString(v any) *string {
	switch x := v.(type) {
	case string:
		return &x
	case json.Number:
		s := x.String()
		return &s
	}
	return nil
}

func asInt(v any) *int64 {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return &n
		}
		// Integral floats outside the int64 range would wrap on conversion.
		if f, err := x.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			n := int64(f)
			return &n
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func asFloat(v any) *float64 {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return &f
		}
	}
	return nil
}
