package state

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"rampledger/storage"
)

// kvStore is the narrow persistence surface the manager operates on. Both the
// durable database and in-memory overlays satisfy it.
type kvStore interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
}

// Manager provides typed read and write access to ledger state. Keys are
// hashed with keccak256 before hitting the underlying store and values are
// RLP encoded.
type Manager struct {
	store kvStore
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{store: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 before being written to the
// underlying store.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.store.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.store.Get(kvKey(key))
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the supplied key from state. Deleting an absent key is not
// an error.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.store.Delete(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicate values are ignored to keep the
// index deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	list, err := m.loadByteList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.store.Put(kvKey(key), encoded)
}

// KVRemove filters the provided value out of the RLP-encoded byte slice list
// stored under the supplied key. Removing a value that is not present is not
// an error. Relative order of the remaining entries is preserved.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	list, err := m.loadByteList(key)
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == len(list) {
		return nil
	}
	if len(filtered) == 0 {
		return m.store.Delete(kvKey(key))
	}
	encoded, err := rlp.EncodeToBytes(filtered)
	if err != nil {
		return err
	}
	return m.store.Put(kvKey(key), encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.store.Get(kvKey(key))
	if err != nil {
		if err == storage.ErrKeyNotFound {
			data = nil
		} else {
			return err
		}
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

func (m *Manager) loadByteList(key []byte) ([][]byte, error) {
	data, err := m.store.Get(kvKey(key))
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// overlayStore buffers writes and deletes in memory on top of a base store.
// Reads fall through to the base for keys the overlay has not touched.
type overlayStore struct {
	base    kvStore
	writes  map[string][]byte
	deletes map[string]struct{}
}

func newOverlayStore(base kvStore) *overlayStore {
	return &overlayStore{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *overlayStore) Put(key []byte, value []byte) error {
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = append([]byte(nil), value...)
	return nil
}

func (o *overlayStore) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := o.deletes[k]; gone {
		return nil, storage.ErrKeyNotFound
	}
	if value, ok := o.writes[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

func (o *overlayStore) Delete(key []byte) error {
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	return nil
}

func (o *overlayStore) flush() error {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := o.base.Put([]byte(k), o.writes[k]); err != nil {
			return err
		}
	}
	deleted := make([]string, 0, len(o.deletes))
	for k := range o.deletes {
		deleted = append(deleted, k)
	}
	sort.Strings(deleted)
	for _, k := range deleted {
		if err := o.base.Delete([]byte(k)); err != nil {
			return err
		}
	}
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]struct{})
	return nil
}

// Overlay returns a manager whose mutations buffer in memory until Commit is
// called. Dropping the overlay without committing discards every staged write,
// giving callers all-or-nothing semantics across multi-step transitions.
// Overlays may be stacked; committing an inner overlay flushes into the outer
// one.
func (m *Manager) Overlay() *Manager {
	return &Manager{store: newOverlayStore(m.store)}
}

// Commit flushes the staged mutations of an overlay manager into its base
// store. Calling Commit on a manager that is not an overlay is an error.
func (m *Manager) Commit() error {
	overlay, ok := m.store.(*overlayStore)
	if !ok {
		return fmt.Errorf("state: commit requires an overlay manager")
	}
	return overlay.flush()
}
