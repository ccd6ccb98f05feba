package storage

import (
	"encoding/json"
	"fmt"

	"aggro-trading-bot/internal/state"
)

func encodeState(st *state.InstrumentState) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s: %w", st.Symbol, err)
	}
	return raw, nil
}

// decodeState unmarshals and validates a snapshot. A snapshot that decodes
// but fails validation is corrupt; the caller must fall back to defaults
// rather than trade on it.
func decodeState(raw []byte) (*state.InstrumentState, error) {
	var st state.InstrumentState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("storage: decode state: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("storage: corrupt snapshot: %w", err)
	}
	return &st, nil
}
