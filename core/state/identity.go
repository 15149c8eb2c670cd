package state

import "fmt"

var identityAliasPrefix = []byte("identity/alias/")

func identityAliasKey(alias string) []byte {
	buf := make([]byte, len(identityAliasPrefix)+len(alias))
	copy(buf, identityAliasPrefix)
	copy(buf[len(identityAliasPrefix):], alias)
	return buf
}

// IdentityAliasSet binds a display alias to a principal address. Callers are
// expected to normalise the alias and check ownership before writing.
func (m *Manager) IdentityAliasSet(alias string, addr [20]byte) error {
	if alias == "" {
		return fmt.Errorf("state: alias must not be empty")
	}
	return m.KVPut(identityAliasKey(alias), addr[:])
}

// IdentityAliasGet resolves a display alias to its principal address.
func (m *Manager) IdentityAliasGet(alias string) ([20]byte, bool, error) {
	var raw []byte
	ok, err := m.KVGet(identityAliasKey(alias), &raw)
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("state: alias record malformed")
	}
	var addr [20]byte
	copy(addr[:], raw)
	return addr, true, nil
}

// IdentityAliasDelete frees a display alias. Deleting an unbound alias is not
// an error.
func (m *Manager) IdentityAliasDelete(alias string) error {
	if alias == "" {
		return fmt.Errorf("state: alias must not be empty")
	}
	return m.KVDelete(identityAliasKey(alias))
}
