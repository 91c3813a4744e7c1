package crdt

import (
	"encoding/json"
	"fmt"
)

// Sync protocol message types. A newly connected peer receives a state
// request (step1) carrying the server's state vector, answers with a state
// response (step2) carrying the ops the server lacks, and sends its own
// step1 to pull the server's state. Ongoing edits travel as updates.
const (
	msgStep1  = "step1"
	msgStep2  = "step2"
	msgUpdate = "update"
)

type syncMessage struct {
	Type        string            `json:"type"`
	StateVector map[string]uint64 `json:"sv,omitempty"`
	Ops         []Op              `json:"ops,omitempty"`
}

func encodeSync(msg syncMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode sync message: %w", err)
	}
	return b, nil
}

func decodeSync(payload []byte) (syncMessage, error) {
	var msg syncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return syncMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch msg.Type {
	case msgStep1, msgStep2, msgUpdate:
		return msg, nil
	default:
		return syncMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedPayload, msg.Type)
	}
}

// ConnectMessage returns the handshake payload for a newly joined
// connection: a state request carrying this document's state vector.
func (d *Document) ConnectMessage() ([]byte, error) {
	return encodeSync(syncMessage{Type: msgStep1, StateVector: d.stateVector()})
}

// HandleMessage applies one sync payload received from origin. The returned
// reply, if any, is for the originating connection only. A state request is
// answered with the ops the requester is missing; state responses and
// updates are merged into the document (firing the update hook for anything
// novel, tagged with origin so the sender is excluded from re-broadcast).
func (d *Document) HandleMessage(payload []byte, origin string) ([]byte, error) {
	msg, err := decodeSync(payload)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case msgStep1:
		sv := msg.StateVector
		if sv == nil {
			sv = map[string]uint64{}
		}
		missing := d.opsSince(sv)
		if len(missing) == 0 {
			return nil, nil
		}
		return encodeSync(syncMessage{Type: msgStep2, Ops: missing})

	case msgStep2, msgUpdate:
		if err := d.Apply(msg.Ops, origin); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, nil
}
