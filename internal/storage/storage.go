// Package storage implements the opaque persistent key-value store
// (bt_storage_{load,save}_{adapter_info,bonded_device,
// le_bonded_device,whitelist}), as a synchronous in-memory map with an
// optional YAML-backed file; the original's callback-based loader API is
// flattened to a direct
// read returning a slice. The underlying transport (kvdb, a flat file,
// a real database) is a Non-goal; this package is the seam a real one
// would replace.
package storage

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/srg/btframework/sal"
)

type document struct {
	BondedDevices   []sal.Addr `yaml:"bonded_devices"`
	LEBondedDevices []sal.Addr `yaml:"le_bonded_devices"`
	Whitelist       []sal.Addr `yaml:"whitelist"`
}

// Store is a process-lifetime, optionally file-backed key-value store.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// New creates an empty, in-memory-only Store.
func New() *Store { return &Store{} }

// Open creates a Store backed by a YAML file at path, loading any
// existing content. A missing file is treated as an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &s.doc); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) persist() {
	if s.path == "" {
		return
	}
	b, err := yaml.Marshal(s.doc)
	if err != nil {
		return
	}
	_ = os.WriteFile(s.path, b, 0o644)
}

func removeAddr(list []sal.Addr, addr sal.Addr) []sal.Addr {
	out := list[:0]
	for _, a := range list {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

func appendIfAbsent(list []sal.Addr, addr sal.Addr) []sal.Addr {
	for _, a := range list {
		if a == addr {
			return list
		}
	}
	return append(list, addr)
}

func (s *Store) LoadBondedDevices() []sal.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sal.Addr(nil), s.doc.BondedDevices...)
}

func (s *Store) SaveBondedDevice(addr sal.Addr) {
	s.mu.Lock()
	s.doc.BondedDevices = appendIfAbsent(s.doc.BondedDevices, addr)
	s.persist()
	s.mu.Unlock()
}

func (s *Store) RemoveBondedDevice(addr sal.Addr) {
	s.mu.Lock()
	s.doc.BondedDevices = removeAddr(s.doc.BondedDevices, addr)
	s.persist()
	s.mu.Unlock()
}

func (s *Store) LoadLEBondedDevices() []sal.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sal.Addr(nil), s.doc.LEBondedDevices...)
}

func (s *Store) SaveLEBondedDevice(addr sal.Addr) {
	s.mu.Lock()
	s.doc.LEBondedDevices = appendIfAbsent(s.doc.LEBondedDevices, addr)
	s.persist()
	s.mu.Unlock()
}

func (s *Store) RemoveLEBondedDevice(addr sal.Addr) {
	s.mu.Lock()
	s.doc.LEBondedDevices = removeAddr(s.doc.LEBondedDevices, addr)
	s.persist()
	s.mu.Unlock()
}

func (s *Store) LoadWhitelist() []sal.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sal.Addr(nil), s.doc.Whitelist...)
}

func (s *Store) SaveWhitelist(addrs []sal.Addr) {
	s.mu.Lock()
	s.doc.Whitelist = append([]sal.Addr(nil), addrs...)
	s.persist()
	s.mu.Unlock()
}
