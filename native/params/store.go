package params

import (
	"encoding/json"
	"fmt"

	"rampledger/config"
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
	ParamVersion() (uint64, error)
}

// Store provides typed accessors for governance-controlled parameters.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// SetPauses persists the supplied pause configuration under the canonical
// parameter store key. Values are marshalled as JSON to align with the RPC
// payloads that mutate them.
func (s *Store) SetPauses(pauses config.Pauses) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(pauses)
	if err != nil {
		return fmt.Errorf("params: encode pauses: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyPauses, encoded)
}

// Pauses loads the persisted pause configuration. When unset, a zero-value
// configuration is returned.
func (s *Store) Pauses() (config.Pauses, error) {
	state, err := s.withState()
	if err != nil {
		return config.Pauses{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyPauses)
	if err != nil {
		return config.Pauses{}, err
	}
	if !ok || len(raw) == 0 {
		return config.Pauses{}, nil
	}
	var pauses config.Pauses
	if err := json.Unmarshal(raw, &pauses); err != nil {
		return config.Pauses{}, fmt.Errorf("params: decode pauses: %w", err)
	}
	return pauses, nil
}

// SetRamp validates and persists the engine limits. Invalid combinations are
// rejected before anything is written so the engine never reads them.
func (s *Store) SetRamp(ramp config.RampParams) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if _, err := ramp.Limits(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	encoded, err := json.Marshal(ramp)
	if err != nil {
		return fmt.Errorf("params: encode ramp config: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyRamp, encoded)
}

// Ramp loads the persisted engine limits. When unset, the compiled-in
// defaults are returned.
func (s *Store) Ramp() (config.RampParams, error) {
	state, err := s.withState()
	if err != nil {
		return config.RampParams{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyRamp)
	if err != nil {
		return config.RampParams{}, err
	}
	if !ok || len(raw) == 0 {
		return config.DefaultRampParams(), nil
	}
	var ramp config.RampParams
	if err := json.Unmarshal(raw, &ramp); err != nil {
		return config.RampParams{}, fmt.Errorf("params: decode ramp config: %w", err)
	}
	return ramp, nil
}

// Version reports how many parameter writes have been applied. Callers use it
// to detect configuration changes between reads.
func (s *Store) Version() (uint64, error) {
	state, err := s.withState()
	if err != nil {
		return 0, err
	}
	return state.ParamVersion()
}
