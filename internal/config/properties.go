package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Properties is a persisted string key/value store: the scanner's port,
// gain level and invert flag live here. It is safe for concurrent use.
type Properties struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// LoadProperties reads the store at path. A missing file gives an empty
// store that is created on the first Persist.
func LoadProperties(path string) (*Properties, error) {
	p := &Properties{path: expandTilde(path), values: make(map[string]string)}

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading properties: %w", err)
	}

	if err := yaml.Unmarshal(data, &p.values); err != nil {
		return nil, fmt.Errorf("parsing properties %s: %w", p.path, err)
	}
	if p.values == nil {
		// empty file
		p.values = make(map[string]string)
	}
	return p, nil
}

// Path returns the file the store persists to.
func (p *Properties) Path() string {
	return p.path
}

func (p *Properties) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *Properties) Put(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

func (p *Properties) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

// GetBool returns the boolean stored under key, or def if it is missing or
// not a boolean.
func (p *Properties) GetBool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetInt returns the integer stored under key, or def.
func (p *Properties) GetInt(key string, def int) int {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Persist writes the store to disk. The file is replaced atomically so a
// crash never leaves it half written.
func (p *Properties) Persist() error {
	p.mu.RLock()
	data, err := yaml.Marshal(p.values)
	p.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding properties: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating properties dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".properties-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp properties: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing properties: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing properties: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing properties: %w", err)
	}
	return nil
}
