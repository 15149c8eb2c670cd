package state

var (
	paramPrefix     = []byte("params/value/")
	paramVersionKey = []byte("params/version")
)

func paramKey(name string) []byte {
	buf := make([]byte, len(paramPrefix)+len(name))
	copy(buf, paramPrefix)
	copy(buf[len(paramPrefix):], name)
	return buf
}

// ParamStoreSet writes a raw parameter value and bumps the parameter version
// counter so readers can detect configuration changes.
func (m *Manager) ParamStoreSet(name string, value []byte) error {
	if err := m.KVPut(paramKey(name), value); err != nil {
		return err
	}
	version, err := m.ParamVersion()
	if err != nil {
		return err
	}
	return m.KVPut(paramVersionKey, version+1)
}

// ParamStoreGet reads a raw parameter value. The boolean reports whether the
// parameter has ever been set.
func (m *Manager) ParamStoreGet(name string) ([]byte, bool, error) {
	var value []byte
	ok, err := m.KVGet(paramKey(name), &value)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

// ParamVersion returns the number of parameter writes applied so far. A fresh
// ledger reports zero.
func (m *Manager) ParamVersion() (uint64, error) {
	var version uint64
	if _, err := m.KVGet(paramVersionKey, &version); err != nil {
		return 0, err
	}
	return version, nil
}
