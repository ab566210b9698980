package database

import (
	json "github.com/goccy/go-json"
)

// EncodeData marshals a record payload to the JSON text stored in records.data.
// A nil or empty payload is stored as "{}".
func EncodeData(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeData unmarshals records.data into raw per-key values
func DecodeData(data string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}
