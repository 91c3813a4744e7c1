// Package crdt implements the per-room replicated document: a last-writer-wins
// element map with tombstones plus a character-sequence comment buffer.
// Concurrent updates from any number of replicas converge to the same state
// regardless of arrival order, provided each replica's own ops arrive in the
// order it produced them.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrMalformedPayload is returned for sync payloads that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed sync payload")

// Version orders writes: higher clock wins, replica id breaks ties.
type Version struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

// Less reports whether v is ordered before o.
func (v Version) Less(o Version) bool {
	if v.Clock != o.Clock {
		return v.Clock < o.Clock
	}
	return v.Replica < o.Replica
}

// Op is a single replicated operation.
type Op struct {
	Version Version `json:"v"`
	Kind    string  `json:"k"` // "element", "char_insert", "char_delete"

	// element ops
	ElementID string          `json:"eid,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"del,omitempty"`

	// char ops
	Char   *Char   `json:"char,omitempty"`
	Target *CharID `json:"target,omitempty"`
}

const (
	opElement    = "element"
	opCharInsert = "char_insert"
	opCharDelete = "char_delete"
)

type elemState struct {
	data    json.RawMessage
	version Version
	deleted bool
}

// UpdateHook receives the encoded update for every logical change, tagged
// with the originating connection id (empty when the change has no
// originating connection and should be broadcast to all).
type UpdateHook func(payload []byte, origin string)

// Document is one room's replicated state. Safe for concurrent use.
type Document struct {
	mu      sync.Mutex
	replica string
	clock   uint64

	elements map[string]*elemState
	text     *charSeq

	log []Op
	sv  map[string]uint64

	hook UpdateHook
}

// NewDocument creates an empty document identified by its replica id.
func NewDocument(replica string) *Document {
	return &Document{
		replica:  replica,
		elements: make(map[string]*elemState),
		text:     newCharSeq(),
		sv:       make(map[string]uint64),
	}
}

// SetUpdateHook installs the update observer. Passing nil detaches it.
func (d *Document) SetUpdateHook(hook UpdateHook) {
	d.mu.Lock()
	d.hook = hook
	d.mu.Unlock()
}

// nextVersion allocates a Lamport-style version dominating everything seen.
// Caller holds d.mu.
func (d *Document) nextVersion() Version {
	max := d.clock
	for _, c := range d.sv {
		if c > max {
			max = c
		}
	}
	d.clock = max + 1
	return Version{Clock: d.clock, Replica: d.replica}
}

// applyLocked merges ops into the document and returns the novel subset.
// Caller holds d.mu.
func (d *Document) applyLocked(ops []Op) []Op {
	var novel []Op
	for _, op := range ops {
		if op.Version.Replica == "" || op.Version.Clock == 0 {
			continue
		}
		if op.Version.Clock <= d.sv[op.Version.Replica] {
			continue // already seen
		}
		switch op.Kind {
		case opElement:
			if op.ElementID == "" {
				continue
			}
			cur, ok := d.elements[op.ElementID]
			if !ok || cur.version.Less(op.Version) {
				d.elements[op.ElementID] = &elemState{
					data:    op.Data,
					version: op.Version,
					deleted: op.Deleted,
				}
			}
		case opCharInsert:
			if op.Char == nil {
				continue
			}
			d.text.insert(*op.Char)
		case opCharDelete:
			if op.Target == nil {
				continue
			}
			d.text.tombstone(*op.Target)
		default:
			continue
		}
		d.sv[op.Version.Replica] = op.Version.Clock
		d.log = append(d.log, op)
		novel = append(novel, op)
	}
	return novel
}

// Apply merges remote ops and fires the update hook once if anything was
// novel. origin identifies the connection the ops arrived on; it is handed
// to the hook unchanged so the broadcaster can exclude the sender.
func (d *Document) Apply(ops []Op, origin string) error {
	d.mu.Lock()
	novel := d.applyLocked(ops)
	hook := d.hook
	d.mu.Unlock()

	if len(novel) > 0 && hook != nil {
		payload, err := encodeSync(syncMessage{Type: msgUpdate, Ops: novel})
		if err != nil {
			return err
		}
		hook(payload, origin)
	}
	return nil
}

// mutate applies a locally originated op and fires the hook with no origin.
func (d *Document) mutate(build func(Version) Op) {
	d.mu.Lock()
	op := build(d.nextVersion())
	novel := d.applyLocked([]Op{op})
	hook := d.hook
	d.mu.Unlock()

	if len(novel) > 0 && hook != nil {
		if payload, err := encodeSync(syncMessage{Type: msgUpdate, Ops: novel}); err == nil {
			hook(payload, "")
		}
	}
}

// UpsertElement writes an element as a local transaction.
func (d *Document) UpsertElement(id string, data json.RawMessage) {
	d.mutate(func(v Version) Op {
		return Op{Version: v, Kind: opElement, ElementID: id, Data: data}
	})
}

// RemoveElement tombstones an element.
func (d *Document) RemoveElement(id string) {
	d.mutate(func(v Version) Op {
		return Op{Version: v, Kind: opElement, ElementID: id, Deleted: true}
	})
}

// InsertComment inserts text at a rune index in the comment buffer.
func (d *Document) InsertComment(index int, text string) {
	for _, r := range text {
		r := r
		// build runs under the document lock; charAt must not re-lock.
		d.mutate(func(v Version) Op {
			ch := d.text.charAt(index, string(r), CharID{Clock: v.Clock, Replica: v.Replica})
			index++
			return Op{Version: v, Kind: opCharInsert, Char: &ch}
		})
	}
}

// DeleteComment tombstones one visible character at a rune index.
func (d *Document) DeleteComment(index int) {
	d.mu.Lock()
	id, ok := d.text.idAt(index)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.mutate(func(v Version) Op {
		return Op{Version: v, Kind: opCharDelete, Target: &id}
	})
}

// Comment returns the visible comment text.
func (d *Document) Comment() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.visible()
}

// Elements returns the live (non-tombstoned) element payloads, ordered by id
// for stable output.
func (d *Document) Elements() []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.elements))
	for id, st := range d.elements {
		if !st.deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.elements[id].data)
	}
	return out
}

// ElementCount returns the number of live elements.
func (d *Document) ElementCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, st := range d.elements {
		if !st.deleted {
			n++
		}
	}
	return n
}

// Empty reports whether the element collection has never been written.
func (d *Document) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.elements) == 0
}

// InitializeFromSnapshot seeds the element map from a persisted snapshot.
// It applies only when the collection is empty, guarding against clobbering
// live state during recovery races. Returns true when the seed was applied.
func (d *Document) InitializeFromSnapshot(elements []json.RawMessage) (bool, error) {
	d.mu.Lock()
	if len(d.elements) > 0 {
		d.mu.Unlock()
		return false, nil
	}
	var ops []Op
	for _, raw := range elements {
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			d.mu.Unlock()
			return false, fmt.Errorf("decode snapshot element: %w", err)
		}
		if probe.ID == "" {
			continue
		}
		ops = append(ops, Op{Version: d.nextVersion(), Kind: opElement, ElementID: probe.ID, Data: raw})
	}
	novel := d.applyLocked(ops)
	hook := d.hook
	d.mu.Unlock()

	if len(novel) > 0 && hook != nil {
		if payload, err := encodeSync(syncMessage{Type: msgUpdate, Ops: novel}); err == nil {
			hook(payload, "")
		}
	}
	return len(novel) > 0, nil
}

// stateVector returns a copy of the seen-clock map.
func (d *Document) stateVector() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(map[string]uint64, len(d.sv))
	for r, c := range d.sv {
		sv[r] = c
	}
	return sv
}

// opsSince returns every logged op the given state vector has not seen.
func (d *Document) opsSince(sv map[string]uint64) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Op
	for _, op := range d.log {
		if op.Version.Clock > sv[op.Version.Replica] {
			out = append(out, op)
		}
	}
	return out
}
