package tessera

import (
	"context"
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"
)

// metaEntry is one fixed-size metalayer.
type metaEntry struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// -----------------------------------------------------------------------------
// Metalayers
// -----------------------------------------------------------------------------

// Metalayers is the fixed-size metadata of an SChunk. Layers are declared at
// construction (WithMeta), can be rewritten only with content of the same
// byte length, and are never removed.
type Metalayers struct {
	sc *SChunk
}

// Names lists the metalayers in declaration order.
func (m Metalayers) Names() []string {
	m.sc.mu.RLock()
	defer m.sc.mu.RUnlock()
	names := make([]string, len(m.sc.meta))
	for i, e := range m.sc.meta {
		names[i] = e.Name
	}
	return names
}

// Has reports whether a metalayer exists.
func (m Metalayers) Has(name string) bool {
	_, err := m.Get(name)
	return err == nil
}

// Get returns a copy of a metalayer's content.
func (m Metalayers) Get(name string) ([]byte, error) {
	m.sc.mu.RLock()
	defer m.sc.mu.RUnlock()
	for _, e := range m.sc.meta {
		if e.Name == name {
			return append([]byte(nil), e.Content...), nil
		}
	}
	return nil, fmt.Errorf("tessera: metalayer %q: %w", name, ErrNotFound)
}

// Update overwrites a metalayer. content must have the existing length.
func (m Metalayers) Update(ctx context.Context, name string, content []byte) error {
	m.sc.mu.Lock()
	defer m.sc.mu.Unlock()
	if err := m.sc.writable(); err != nil {
		return err
	}
	if err := m.sc.updateMetaLocked(name, content); err != nil {
		return err
	}
	return m.sc.flushLocked(ctx)
}

func (sc *SChunk) updateMetaLocked(name string, content []byte) error {
	for i, e := range sc.meta {
		if e.Name != name {
			continue
		}
		if len(content) != len(e.Content) {
			return fmt.Errorf("tessera: metalayer %q is %d bytes, got %d: %w", name, len(e.Content), len(content), ErrMetaSize)
		}
		sc.meta[i].Content = append([]byte(nil), content...)
		sc.dirty = true
		return nil
	}
	return fmt.Errorf("tessera: metalayer %q: %w", name, ErrNotFound)
}

// -----------------------------------------------------------------------------
// VLMeta
// -----------------------------------------------------------------------------

// VLMeta is the variable-length metadata of an SChunk: string keys mapping
// to MessagePack-encoded values, editable at any time.
//
// Values go through msgp's generic encoding: nil, bool, integers, floats,
// strings, []byte, []any and map[string]any round-trip (integers decode as
// int64 or uint64).
type VLMeta struct {
	sc *SChunk
}

// Set stores value under key, replacing any previous value.
func (v VLMeta) Set(ctx context.Context, key string, value any) error {
	raw, err := msgp.AppendIntf(nil, value)
	if err != nil {
		return fmt.Errorf("tessera: vlmeta %q: encode: %w", key, err)
	}
	return v.SetRaw(ctx, key, raw)
}

// SetRaw stores an already-encoded MessagePack value.
func (v VLMeta) SetRaw(ctx context.Context, key string, raw []byte) error {
	if _, err := msgp.Skip(raw); err != nil {
		return fmt.Errorf("tessera: vlmeta %q: not a msgpack value: %w", key, err)
	}
	v.sc.mu.Lock()
	defer v.sc.mu.Unlock()
	if err := v.sc.writable(); err != nil {
		return err
	}
	v.sc.vlmeta[key] = append([]byte(nil), raw...)
	v.sc.dirty = true
	return v.sc.flushLocked(ctx)
}

// Get decodes the value under key.
func (v VLMeta) Get(key string) (any, error) {
	raw, err := v.GetRaw(key)
	if err != nil {
		return nil, err
	}
	val, _, err := msgp.ReadIntfBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("tessera: vlmeta %q: decode: %w: %v", key, ErrCorrupt, err)
	}
	return val, nil
}

// GetRaw returns the encoded value under key.
func (v VLMeta) GetRaw(key string) ([]byte, error) {
	v.sc.mu.RLock()
	defer v.sc.mu.RUnlock()
	raw, ok := v.sc.vlmeta[key]
	if !ok {
		return nil, fmt.Errorf("tessera: vlmeta %q: %w", key, ErrNotFound)
	}
	return append([]byte(nil), raw...), nil
}

// Delete removes key. Deleting a missing key fails with ErrNotFound.
func (v VLMeta) Delete(ctx context.Context, key string) error {
	v.sc.mu.Lock()
	defer v.sc.mu.Unlock()
	if err := v.sc.writable(); err != nil {
		return err
	}
	if _, ok := v.sc.vlmeta[key]; !ok {
		return fmt.Errorf("tessera: vlmeta %q: %w", key, ErrNotFound)
	}
	delete(v.sc.vlmeta, key)
	v.sc.dirty = true
	return v.sc.flushLocked(ctx)
}

// Keys lists keys in sorted order.
func (v VLMeta) Keys() []string {
	v.sc.mu.RLock()
	defer v.sc.mu.RUnlock()
	keys := make([]string, 0, len(v.sc.vlmeta))
	for k := range v.sc.vlmeta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (v VLMeta) Len() int {
	v.sc.mu.RLock()
	defer v.sc.mu.RUnlock()
	return len(v.sc.vlmeta)
}

// encodeVLMeta packs the key → encoded-value map as one msgpack map of
// binary values.
func encodeVLMeta(m map[string][]byte) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := msgp.AppendMapHeader(nil, uint32(len(keys)))
	for _, k := range keys {
		b = msgp.AppendString(b, k)
		b = msgp.AppendBytes(b, m[k])
	}
	return b
}

func decodeVLMeta(b []byte) (map[string][]byte, error) {
	m := make(map[string][]byte)
	if len(b) == 0 {
		return m, nil
	}
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("tessera: vlmeta: %w: %v", ErrCorrupt, err)
	}
	for i := uint32(0); i < n; i++ {
		var (
			k   string
			raw []byte
		)
		k, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, fmt.Errorf("tessera: vlmeta key: %w: %v", ErrCorrupt, err)
		}
		raw, b, err = msgp.ReadBytesBytes(b, nil)
		if err != nil {
			return nil, fmt.Errorf("tessera: vlmeta %q: %w: %v", k, ErrCorrupt, err)
		}
		m[k] = raw
	}
	return m, nil
}
