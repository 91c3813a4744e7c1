// Package protocol defines the JSON-framed WebSocket message types exchanged
// with board clients. One message per frame; the CRDT sync payload is a byte
// slice carried as a JSON number array.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeYjsSync     = "yjs-sync"
	TypeGetFeedback = "get-feedback"
	TypeChatMessage = "chat-message"
)

// Outbound message types.
const (
	TypeInitialElements         = "initial_elements"
	TypeSyncStatus              = "sync_status"
	TypeConversationRestore     = "conversation_restore"
	TypeChatHistory             = "chat-history"
	TypeUserCommentHistory      = "user-comment-history"
	TypeFeedbackHistory         = "claude-feedback-history"
	TypeProblemStatementHistory = "problem-statement-history"
	TypeStatus                  = "status"
	TypeFeedback                = "claude-feedback"
	TypeNextPrompt              = "next-prompt"
	TypeChatResponse            = "chat-response"
	TypeElementsBatchCreated    = "elements_batch_created"
	TypeCreditsExhausted        = "credits-exhausted"
)

// Status values for the Status reply.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// BytePayload marshals as a JSON number array rather than base64, matching
// what board clients produce for the CRDT sync payload.
type BytePayload []byte

func (p BytePayload) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(p))
	for i, b := range p {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

func (p *BytePayload) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("payload is not a number array: %w", err)
	}
	out := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 255 {
			return fmt.Errorf("payload byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*p = out
	return nil
}

// Inbound is the envelope for every client-to-server message.
type Inbound struct {
	Type         string      `json:"type"`
	Payload      BytePayload `json:"payload,omitempty"`      // yjs-sync
	EventID      string      `json:"eventId,omitempty"`      // get-feedback, chat-message
	UserComments string      `json:"userComments,omitempty"` // get-feedback
	Message      string      `json:"message,omitempty"`      // chat-message
	UserID       string      `json:"userId,omitempty"`
}

// SyncMessage carries a CRDT sync payload in either direction.
type SyncMessage struct {
	Type    string      `json:"type"`
	Payload BytePayload `json:"payload"`
}

// NewSyncMessage wraps an encoded sync payload.
func NewSyncMessage(payload []byte) SyncMessage {
	return SyncMessage{Type: TypeYjsSync, Payload: payload}
}

// InitialElements is the flattened element list sent on connect for
// consumers that do not speak the CRDT protocol. Ephemeral ordering
// metadata is stripped before sending.
type InitialElements struct {
	Type      string            `json:"type"`
	Elements  []json.RawMessage `json:"elements"`
	Timestamp int64             `json:"timestamp"`
}

// SyncStatus summarizes the handshake result.
type SyncStatus struct {
	Type         string `json:"type"`
	ElementCount int    `json:"elementCount"`
	Timestamp    int64  `json:"timestamp"`
}

// ConversationRestore replays the latest feedback and current problem
// statement to a reconnecting client.
type ConversationRestore struct {
	Type                    string `json:"type"`
	LatestFeedback          string `json:"latestFeedback,omitempty"`
	CurrentProblemStatement string `json:"currentProblemStatement,omitempty"`
	Timestamp               int64  `json:"timestamp"`
}

// HistoryEntry is one replayed conversation item.
type HistoryEntry struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ChatHistory replays chat-sourced messages in original order.
type ChatHistory struct {
	Type      string         `json:"type"`
	Messages  []HistoryEntry `json:"messages"`
	Timestamp int64          `json:"timestamp"`
}

// UserCommentHistory replays the user's feedback comments with the internal
// diagram-change annotation stripped.
type UserCommentHistory struct {
	Type      string         `json:"type"`
	Comments  []HistoryEntry `json:"comments"`
	Timestamp int64          `json:"timestamp"`
}

// FeedbackHistory replays assistant feedback rounds, seed excluded.
type FeedbackHistory struct {
	Type      string         `json:"type"`
	Feedback  []HistoryEntry `json:"feedback"`
	Timestamp int64          `json:"timestamp"`
}

// ProblemStatementHistory replays problem statement revisions.
type ProblemStatementHistory struct {
	Type       string         `json:"type"`
	Statements []HistoryEntry `json:"statements"`
	Timestamp  int64          `json:"timestamp"`
}

// Status is the scoped reply terminating every feedback/chat request.
type Status struct {
	Type         string `json:"type"`
	EventID      string `json:"eventId"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	NeedsCredits bool   `json:"needsCredits,omitempty"`
}

// CompletedStatus builds a success reply for an event.
func CompletedStatus(eventID string) Status {
	return Status{Type: TypeStatus, EventID: eventID, Status: StatusCompleted}
}

// ErrorStatus builds a failure reply for an event.
func ErrorStatus(eventID, message string) Status {
	return Status{Type: TypeStatus, EventID: eventID, Status: StatusError, Message: message}
}

// Feedback broadcasts a completed feedback round.
type Feedback struct {
	Type         string `json:"type"`
	ResponseText string `json:"responseText"`
	Timestamp    int64  `json:"timestamp"`
}

// NextPrompt broadcasts an advanced problem statement.
type NextPrompt struct {
	Type       string `json:"type"`
	NextPrompt string `json:"nextPrompt"`
	Timestamp  int64  `json:"timestamp"`
}

// ChatResponse carries the assistant's chat reply.
type ChatResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ElementsBatchCreated broadcasts server-synthesized elements (feedback
// callout markers) as a batch.
type ElementsBatchCreated struct {
	Type      string            `json:"type"`
	Elements  []json.RawMessage `json:"elements"`
	Timestamp int64             `json:"timestamp"`
}

// CreditsExhausted is a user-scoped notice, delivered to every connection
// the user holds across rooms.
type CreditsExhausted struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
