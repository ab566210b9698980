package store

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/saltyorg/stowage/internal/database"
)

// encodeValues builds the stored payload for an object's values. Unset values
// are omitted.
func encodeValues(entity *EntityDescription, values map[string]any) (string, error) {
	payload := make(map[string]any, len(values))
	for key, v := range values {
		if v == nil {
			continue
		}
		if attr, ok := entity.Attribute(key); ok {
			payload[key] = attr.Type.encode(v)
			continue
		}
		if _, ok := entity.Relationship(key); ok {
			payload[key] = v
		}
	}

	data, err := database.EncodeData(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", entity.Name, err)
	}
	return data, nil
}

// decodeRecord turns a stored payload back into canonical values. Keys the
// model no longer knows are dropped.
func decodeRecord(entity *EntityDescription, rec *database.Record) (map[string]any, error) {
	raw, err := database.DecodeData(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("malformed record %s/%s: %w", rec.Entity, rec.ID, err)
	}

	values := make(map[string]any, len(raw))
	for _, attr := range entity.Attributes {
		msg, ok := raw[attr.Name]
		if !ok {
			continue
		}
		v, err := attr.Type.decode(msg)
		if err != nil {
			return nil, fmt.Errorf("malformed record %s/%s: %s: %w", rec.Entity, rec.ID, attr.Name, err)
		}
		if v != nil {
			values[attr.Name] = v
		}
	}

	for _, rel := range entity.Relationships {
		msg, ok := raw[rel.Name]
		if !ok {
			continue
		}
		if rel.ToMany {
			var ids []string
			if err := json.Unmarshal(msg, &ids); err != nil {
				return nil, fmt.Errorf("malformed record %s/%s: %s: %w", rec.Entity, rec.ID, rel.Name, err)
			}
			values[rel.Name] = ids
			continue
		}
		var id *string
		if err := json.Unmarshal(msg, &id); err != nil {
			return nil, fmt.Errorf("malformed record %s/%s: %s: %w", rec.Entity, rec.ID, rel.Name, err)
		}
		if id != nil {
			values[rel.Name] = *id
		}
	}

	return values, nil
}

// uniqueKey is the form a unique attribute value takes in SQL lookups
func uniqueKey(attr *AttributeDescription, v any) any {
	switch enc := attr.Type.encode(v).(type) {
	case bool:
		if enc {
			return int64(1)
		}
		return int64(0)
	default:
		return enc
	}
}
