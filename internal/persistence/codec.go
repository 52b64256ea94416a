package persistence

import (
	"bytes"
	"encoding/gob"
	"time"
)

func init() {
	// Timer deadlines are persisted as history payloads.
	gob.Register(time.Time{})
}

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable and that their concrete
// types have been registered with gob.Register where needed.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Encode as interface{} so we can safely decode into interface{}.
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes gob-encoded data produced by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
