// Package apps brokers collaborative-app CRDT traffic inside a room. The
// server never interprets document contents; it relays updates, answers the
// step-1 sync handshake from its retained update log, and garbage-collects
// awareness state when users disconnect.
package apps

import (
	"encoding/binary"
	"sync"
)

// Doc is the opaque CRDT document interface. Updates are client-encoded
// byte blobs.
type Doc interface {
	// ApplyUpdate folds one update into the document.
	ApplyUpdate(update []byte) error
	// EncodeStateVector describes what the document already holds.
	EncodeStateVector() []byte
	// EncodeStateAsUpdate returns the updates the given state vector is
	// missing.
	EncodeStateAsUpdate(stateVector []byte) []byte
}

// Awareness is the opaque presence registry for one app.
type Awareness interface {
	// ApplyUpdate records a client's awareness payload.
	ApplyUpdate(clientID uint64, update []byte) error
	// Encode snapshots the current payloads of all clients.
	Encode() []byte
	// Remove drops the given clients and returns the synthesized removal
	// update to broadcast.
	Remove(clientIDs []uint64) []byte
}

// memDoc retains the ordered update log. Its state vector is the log
// length, so EncodeStateAsUpdate can serve exactly the missing suffix.
type memDoc struct {
	mu      sync.RWMutex
	updates [][]byte
}

// NewDoc returns the in-memory Doc used when no external CRDT engine is
// plugged in.
func NewDoc() Doc { return &memDoc{} }

func (d *memDoc) ApplyUpdate(update []byte) error {
	cp := make([]byte, len(update))
	copy(cp, update)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, cp)
	return nil
}

func (d *memDoc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make([]byte, 8)
	binary.BigEndian.PutUint64(sv, uint64(len(d.updates)))
	return sv
}

func (d *memDoc) EncodeStateAsUpdate(stateVector []byte) []byte {
	var offset uint64
	if len(stateVector) == 8 {
		offset = binary.BigEndian.Uint64(stateVector)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if offset > uint64(len(d.updates)) {
		offset = uint64(len(d.updates))
	}
	return encodeFrames(d.updates[offset:])
}

// memAwareness keeps the latest payload per client id.
type memAwareness struct {
	mu     sync.RWMutex
	states map[uint64][]byte
}

// NewAwareness returns the in-memory Awareness implementation.
func NewAwareness() Awareness {
	return &memAwareness{states: make(map[uint64][]byte)}
}

func (a *memAwareness) ApplyUpdate(clientID uint64, update []byte) error {
	cp := make([]byte, len(update))
	copy(cp, update)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[clientID] = cp
	return nil
}

func (a *memAwareness) Encode() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	frames := make([][]byte, 0, len(a.states)*2)
	for id, state := range a.states {
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		frames = append(frames, idBuf, state)
	}
	return encodeFrames(frames)
}

func (a *memAwareness) Remove(clientIDs []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	frames := make([][]byte, 0, len(clientIDs))
	for _, id := range clientIDs {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		frames = append(frames, idBuf)
	}
	if len(frames) == 0 {
		return nil
	}
	return encodeFrames(frames)
}

// encodeFrames length-prefixes each blob so concatenated updates can be
// split again by the receiving side.
func encodeFrames(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}

// decodeFrames reverses encodeFrames; malformed input yields what was
// decodable.
func decodeFrames(data []byte) [][]byte {
	var frames [][]byte
	for len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			break
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames
}
