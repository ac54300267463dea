package oracle

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// decodeObject strictly decodes a response that must be exactly one JSON
// object with the given required fields. Shape is validated with gjson
// before unmarshalling so diagnostics name the first violated constraint
// rather than a generic syntax error.
func decodeObject(raw string, required []string, out any) error {
	if !gjson.Valid(raw) {
		return &MalformedOutputError{Reason: "response is not JSON", Raw: raw}
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return &MalformedOutputError{Reason: "response is not a single JSON object", Raw: raw}
	}
	for _, field := range required {
		if !parsed.Get(field).Exists() {
			return &MalformedOutputError{Reason: fmt.Sprintf("missing required field %q", field), Raw: raw}
		}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &MalformedOutputError{Reason: fmt.Sprintf("decode: %v", err), Raw: raw}
	}
	return nil
}

// decodeArray strictly decodes a response that must be a JSON array of
// objects, each carrying the required fields.
func decodeArray(raw string, required []string, out any) error {
	if !gjson.Valid(raw) {
		return &MalformedOutputError{Reason: "response is not JSON", Raw: raw}
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return &MalformedOutputError{Reason: "response is not a JSON array", Raw: raw}
	}
	var shapeErr *MalformedOutputError
	parsed.ForEach(func(i, item gjson.Result) bool {
		if !item.IsObject() {
			shapeErr = &MalformedOutputError{Reason: fmt.Sprintf("element %s is not an object", i.String()), Raw: raw}
			return false
		}
		for _, field := range required {
			if !item.Get(field).Exists() {
				shapeErr = &MalformedOutputError{
					Reason: fmt.Sprintf("element %s missing required field %q", i.String(), field),
					Raw:    raw,
				}
				return false
			}
		}
		return true
	})
	if shapeErr != nil {
		return shapeErr
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &MalformedOutputError{Reason: fmt.Sprintf("decode: %v", err), Raw: raw}
	}
	return nil
}
