package room

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a record for the store. The layout matches the
// JSON the rest of the system sees, so stored records are directly
// inspectable.
func Encode(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding room %s: %w", r.ID, err)
	}
	return data, nil
}

// Decode deserializes a stored record.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding room record: %w", err)
	}
	return &r, nil
}
