// Package convo owns per-room conversation state: the append-only message
// history feeding the AI, the previous-diagram snapshot used for diffing,
// and the evolving problem statement.
package convo

import (
	"strings"
	"sync"
	"time"

	"github.com/drawbridge-io/drawbridge/internal/diagram"
)

// Message roles and sources.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"

	SourceChat     = "chat"
	SourceFeedback = "feedback"
)

// diagramChangeMarker separates the human-authored comment from the
// machine-generated patch description in a stored feedback turn. Replay
// strips everything from the marker on.
const diagramChangeMarker = "\n\n[Diagram changes]\n"

// AnnotateComment appends the patch description to a user comment for the
// AI turn.
func AnnotateComment(comment, patchText string) string {
	return comment + diagramChangeMarker + patchText
}

// StripAnnotation returns the human-authored part of a feedback comment.
func StripAnnotation(content string) string {
	if i := strings.Index(content, diagramChangeMarker); i >= 0 {
		return content[:i]
	}
	return content
}

// Message is one conversation entry. Seed marks the implicit first entry
// holding the original problem statement; it is scaffolding, not feedback,
// and replay excludes it.
type Message struct {
	Role    string    `json:"role"`
	Source  string    `json:"source"`
	Content string    `json:"content"`
	Seed    bool      `json:"seed,omitempty"`
	At      time.Time `json:"at"`
}

// Revision is one problem-statement version.
type Revision struct {
	Statement string    `json:"statement"`
	At        time.Time `json:"at"`
}

// Conversation is one room's state. Safe for concurrent use.
type Conversation struct {
	mu          sync.Mutex
	messages    []Message
	prevDiagram map[string]diagram.SimplifiedElement
	statement   string
	revisions   []Revision
	now         func() time.Time
}

func newConversation(seedStatement string, now func() time.Time) *Conversation {
	c := &Conversation{now: now, statement: seedStatement}
	at := now()
	c.messages = append(c.messages, Message{
		Role: RoleAssistant, Source: SourceFeedback,
		Content: seedStatement, Seed: true, At: at,
	})
	c.revisions = append(c.revisions, Revision{Statement: seedStatement, At: at})
	return c
}

// Append adds a message. Timestamps are clamped monotonic per room so
// replayed history never reorders.
func (c *Conversation) Append(role, source, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now()
	if n := len(c.messages); n > 0 && at.Before(c.messages[n-1].At) {
		at = c.messages[n-1].At
	}
	c.messages = append(c.messages, Message{Role: role, Source: source, Content: content, At: at})
}

// History returns every non-empty message in original order (chat and
// feedback interleaved), as sent to the AI.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.messages))
	for _, m := range c.messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ChatHistory returns chat-sourced messages only.
func (c *Conversation) ChatHistory() []Message {
	return c.filter(func(m Message) bool { return m.Source == SourceChat })
}

// UserFeedbackComments returns the user's feedback turns with the internal
// diagram-change annotation stripped for display.
func (c *Conversation) UserFeedbackComments() []Message {
	out := c.filter(func(m Message) bool {
		return m.Role == RoleUser && m.Source == SourceFeedback
	})
	for i := range out {
		out[i].Content = StripAnnotation(out[i].Content)
	}
	return out
}

// AssistantFeedback returns assistant feedback rounds, seed excluded.
func (c *Conversation) AssistantFeedback() []Message {
	return c.filter(func(m Message) bool {
		return m.Role == RoleAssistant && m.Source == SourceFeedback && !m.Seed
	})
}

// LatestFeedback returns the newest assistant feedback text, or "" when
// only the seed entry exists.
func (c *Conversation) LatestFeedback() string {
	fb := c.AssistantFeedback()
	if len(fb) == 0 {
		return ""
	}
	return fb[len(fb)-1].Content
}

func (c *Conversation) filter(keep func(Message) bool) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.messages {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// PrevDiagram returns the snapshot captured after the most recent feedback
// round (nil before the first round).
func (c *Conversation) PrevDiagram() map[string]diagram.SimplifiedElement {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prevDiagram == nil {
		return nil
	}
	out := make(map[string]diagram.SimplifiedElement, len(c.prevDiagram))
	for k, v := range c.prevDiagram {
		out[k] = v
	}
	return out
}

// SetPrevDiagram stores the snapshot for the next diff.
func (c *Conversation) SetPrevDiagram(d map[string]diagram.SimplifiedElement) {
	c.mu.Lock()
	c.prevDiagram = d
	c.mu.Unlock()
}

// ProblemStatement returns the current statement.
func (c *Conversation) ProblemStatement() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statement
}

// AdvanceProblem installs the next problem statement and records the
// revision.
func (c *Conversation) AdvanceProblem(next string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statement = next
	c.revisions = append(c.revisions, Revision{Statement: next, At: c.now()})
}

// Revisions returns the problem-statement history, oldest first.
func (c *Conversation) Revisions() []Revision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Revision(nil), c.revisions...)
}

// Manager holds one Conversation per room.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Conversation
	now   func() time.Time
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{rooms: make(map[string]*Conversation), now: time.Now}
}

// Get returns the room's conversation, or nil if none has been started.
func (m *Manager) Get(roomID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

// Ensure returns the room's conversation, creating and seeding it with the
// original problem statement on first use.
func (m *Manager) Ensure(roomID, seedStatement string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.rooms[roomID]; ok {
		return c
	}
	c := newConversation(seedStatement, m.now)
	m.rooms[roomID] = c
	return c
}

// Reset discards a room's conversation as part of a full room reset.
func (m *Manager) Reset(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}
