package syncqueue

import (
	"encoding/json"
	"fmt"

	"astralcore.app/crisis/internal/model"
)

// EnvelopeVersion is the payload format this binary writes and understands.
const EnvelopeVersion = 1

type envelope struct {
	V    int             `json:"v"`
	Kind model.SyncKind  `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodeEnvelope(kind model.SyncKind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{V: EnvelopeVersion, Kind: kind, Data: raw})
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
