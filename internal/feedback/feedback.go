// Package feedback orchestrates the AI request pipeline: the design
// feedback rounds and the coaching chat. Each request is resolved against
// the room's problem, gated on usage, run through the model, and fanned out
// over the connection router.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drawbridge-io/drawbridge/internal/ai"
	"github.com/drawbridge-io/drawbridge/internal/convo"
	"github.com/drawbridge-io/drawbridge/internal/diagram"
	"github.com/drawbridge-io/drawbridge/internal/docstore"
	"github.com/drawbridge-io/drawbridge/internal/problem"
	"github.com/drawbridge-io/drawbridge/internal/registry"
	"github.com/drawbridge-io/drawbridge/internal/router"
	"github.com/drawbridge-io/drawbridge/internal/snapshot"
	"github.com/drawbridge-io/drawbridge/internal/usage"
	"github.com/drawbridge-io/drawbridge/pkg/protocol"
)

// ErrBadAIResponse marks a model reply that violated the structured-output
// contract.
var ErrBadAIResponse = errors.New("expected structured response")

const feedbackToolName = "design_feedback"

var feedbackToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"feedback": {
			"type": "string",
			"description": "Design feedback for the current diagram, addressed to the student."
		},
		"nextPrompt": {
			"type": "string",
			"description": "The next problem statement, only when the current stage is solved well enough to advance."
		},
		"elementCallouts": {
			"type": "array",
			"description": "Diagram elements the feedback refers to by number.",
			"items": {
				"type": "object",
				"properties": {
					"elementId": {"type": "string"},
					"number": {"type": "integer"}
				},
				"required": ["elementId", "number"]
			}
		}
	},
	"required": ["feedback"]
}`)

const feedbackSystem = `You are a senior engineer reviewing a system design diagram drawn by a student.
The student is working on the problem stated below. Review the current diagram and the
conversation so far, then give concrete, prioritized feedback through the design_feedback
tool. Number the elements you call out and list them in elementCallouts. Only set
nextPrompt when the current stage is genuinely solved.`

const chatSystem = `You are a system design coach. Answer the student's questions about their
current problem and diagram, but never hand over a complete solution. Prefer guiding
questions and small hints over answers. Keep replies short.`

// FeedbackRequest is one get-feedback event.
type FeedbackRequest struct {
	RoomID       string
	EventID      string
	UserComments string
	UserID       string
}

// ChatRequest is one chat-message event.
type ChatRequest struct {
	RoomID  string
	EventID string
	Message string
	UserID  string
}

type feedbackResult struct {
	Feedback        string `json:"feedback"`
	NextPrompt      string `json:"nextPrompt"`
	ElementCallouts []struct {
		ElementID string `json:"elementId"`
		Number    int    `json:"number"`
	} `json:"elementCallouts"`
}

// Deps are the orchestrator's constructor-injected collaborators.
type Deps struct {
	Catalog   problem.Catalog
	Usage     usage.Provider
	Convos    *convo.Manager
	Docs      *docstore.Store
	Router    *router.Router
	AI        ai.Client
	Snapshots *snapshot.Cache
	Logger    *slog.Logger
	Model     string
	MaxTokens int
}

// Orchestrator runs feedback and chat rounds.
type Orchestrator struct {
	deps Deps
	now  func() time.Time
}

// New wires an orchestrator. Model and MaxTokens must be set; Snapshots may
// be nil.
func New(deps Deps) *Orchestrator {
	deps.Logger = deps.Logger.With("component", "feedback")
	return &Orchestrator{deps: deps, now: time.Now}
}

func (o *Orchestrator) fail(reply router.Conn, eventID, msg string) {
	if err := reply.Send(protocol.ErrorStatus(eventID, msg)); err != nil {
		o.deps.Logger.Warn("status reply failed", "eventId", eventID, "error", err)
	}
}

// checkUsage runs the usage gate. A non-empty denial is reported to the
// requester with needsCredits set and echoed to every connection the user
// holds; the caller must stop before touching the model.
func (o *Orchestrator) checkUsage(ctx context.Context, userID, eventID string, reply router.Conn) (ok bool) {
	reason, err := o.deps.Usage.CheckAvailability(ctx, userID)
	if err != nil {
		o.deps.Logger.Error("usage check failed", "user", userID, "error", err)
		o.fail(reply, eventID, "usage check failed")
		return false
	}
	if reason != "" {
		status := protocol.ErrorStatus(eventID, reason)
		status.NeedsCredits = true
		if err := reply.Send(status); err != nil {
			o.deps.Logger.Warn("status reply failed", "eventId", eventID, "error", err)
		}
		o.deps.Router.BroadcastToUser(userID, protocol.CreditsExhausted{
			Type:      protocol.TypeCreditsExhausted,
			Reason:    reason,
			Timestamp: o.now().UnixMilli(),
		})
		return false
	}
	return true
}

func (o *Orchestrator) recordUsage(ctx context.Context, userID string, u ai.Usage) {
	if err := o.deps.Usage.RecordUsage(ctx, userID, u.InputTokens+u.OutputTokens); err != nil {
		o.deps.Logger.Error("usage record failed", "user", userID, "error", err)
	}
}

// HandleFeedback runs one feedback round. The terminal status goes to the
// requesting connection only; the feedback itself is broadcast to the room.
func (o *Orchestrator) HandleFeedback(ctx context.Context, req FeedbackRequest, reply router.Conn) {
	logger := o.deps.Logger.With("room", req.RoomID, "eventId", req.EventID)

	_, problemID, ok := registry.SplitRoomID(req.RoomID)
	if !ok {
		o.fail(reply, req.EventID, "invalid room")
		return
	}
	prob, err := o.deps.Catalog.Get(problemID)
	if err != nil {
		logger.Warn("unknown problem", "problem", problemID)
		o.fail(reply, req.EventID, fmt.Sprintf("unknown problem %q", problemID))
		return
	}

	if !o.checkUsage(ctx, req.UserID, req.EventID, reply) {
		return
	}

	conv := o.deps.Convos.Ensure(req.RoomID, prob.Statement)

	doc := o.deps.Docs.GetOrCreate(req.RoomID)
	rawElements := doc.Elements()
	parsed := diagram.ParseElements(rawElements)
	current := diagram.Simplify(parsed)
	patch := diagram.Diff(conv.PrevDiagram(), current)
	annotated := convo.AnnotateComment(req.UserComments, diagram.DescribePatch(patch))

	messages := historyToAI(conv.History())
	messages = append(messages, ai.Message{Role: convo.RoleUser, Content: annotated})

	resp, err := o.deps.AI.CreateMessage(ctx, ai.Request{
		Model:     o.deps.Model,
		MaxTokens: o.deps.MaxTokens,
		System:    feedbackSystem + "\n\nProblem:\n" + conv.ProblemStatement() + "\n\nCurrent diagram:\n" + describeDiagram(current),
		Messages:  messages,
		Tools:     []ai.Tool{{Name: feedbackToolName, Description: "Deliver structured design feedback.", InputSchema: feedbackToolSchema}},
	})
	if err != nil {
		logger.Error("feedback call failed", "error", err)
		o.fail(reply, req.EventID, fmt.Sprintf("feedback request failed: %v", err))
		return
	}

	input, found := ai.FirstToolInput(resp, feedbackToolName)
	if !found {
		logger.Error("feedback call returned no tool output", "error", ErrBadAIResponse)
		o.fail(reply, req.EventID, ErrBadAIResponse.Error())
		return
	}
	var result feedbackResult
	if err := json.Unmarshal(input, &result); err != nil || result.Feedback == "" {
		logger.Error("feedback tool output malformed", "error", errors.Join(ErrBadAIResponse, err))
		o.fail(reply, req.EventID, ErrBadAIResponse.Error())
		return
	}

	o.recordUsage(ctx, req.UserID, resp.Usage)

	conv.Append(convo.RoleUser, convo.SourceFeedback, annotated)
	conv.Append(convo.RoleAssistant, convo.SourceFeedback, result.Feedback)
	conv.SetPrevDiagram(current)

	now := o.now().UnixMilli()

	if markers := o.calloutMarkers(parsed, result); len(markers) > 0 {
		for id, raw := range markers {
			doc.UpsertElement(id, raw)
		}
		batch := make([]json.RawMessage, 0, len(markers))
		for _, raw := range markers {
			batch = append(batch, raw)
		}
		o.deps.Router.Broadcast(req.RoomID, protocol.ElementsBatchCreated{
			Type:      protocol.TypeElementsBatchCreated,
			Elements:  batch,
			Timestamp: now,
		}, nil)
	}

	if result.NextPrompt != "" {
		conv.AdvanceProblem(result.NextPrompt)
		o.deps.Router.Broadcast(req.RoomID, protocol.NextPrompt{
			Type:       protocol.TypeNextPrompt,
			NextPrompt: result.NextPrompt,
			Timestamp:  now,
		}, nil)
	}

	o.deps.Router.Broadcast(req.RoomID, protocol.Feedback{
		Type:         protocol.TypeFeedback,
		ResponseText: result.Feedback,
		Timestamp:    now,
	}, nil)

	if err := o.deps.Snapshots.SaveElements(ctx, req.RoomID, doc.Elements()); err != nil {
		logger.Warn("snapshot save failed", "error", err)
	}

	if err := reply.Send(protocol.CompletedStatus(req.EventID)); err != nil {
		logger.Warn("status reply failed", "error", err)
	}
}

// HandleChat runs one coaching chat turn. Nothing is broadcast; the reply
// and status go to the requester only.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest, reply router.Conn) {
	logger := o.deps.Logger.With("room", req.RoomID, "eventId", req.EventID)

	if req.Message == "" {
		o.fail(reply, req.EventID, "empty message")
		return
	}
	_, problemID, ok := registry.SplitRoomID(req.RoomID)
	if !ok {
		o.fail(reply, req.EventID, "invalid room")
		return
	}
	prob, err := o.deps.Catalog.Get(problemID)
	if err != nil {
		o.fail(reply, req.EventID, fmt.Sprintf("unknown problem %q", problemID))
		return
	}

	if !o.checkUsage(ctx, req.UserID, req.EventID, reply) {
		return
	}

	conv := o.deps.Convos.Ensure(req.RoomID, prob.Statement)

	messages := historyToAI(conv.History())
	messages = append(messages, ai.Message{Role: convo.RoleUser, Content: req.Message})

	resp, err := o.deps.AI.CreateMessage(ctx, ai.Request{
		Model:     o.deps.Model,
		MaxTokens: o.deps.MaxTokens,
		System:    chatSystem + "\n\nProblem:\n" + conv.ProblemStatement(),
		Messages:  messages,
	})
	if err != nil {
		logger.Error("chat call failed", "error", err)
		o.fail(reply, req.EventID, fmt.Sprintf("chat request failed: %v", err))
		return
	}
	text := ai.JoinText(resp)
	if text == "" {
		logger.Error("chat call returned no text", "error", ErrBadAIResponse)
		o.fail(reply, req.EventID, ErrBadAIResponse.Error())
		return
	}

	o.recordUsage(ctx, req.UserID, resp.Usage)

	conv.Append(convo.RoleUser, convo.SourceChat, req.Message)
	conv.Append(convo.RoleAssistant, convo.SourceChat, text)

	if err := reply.Send(protocol.ChatResponse{
		Type:      protocol.TypeChatResponse,
		Message:   text,
		Timestamp: o.now().UnixMilli(),
	}); err != nil {
		logger.Warn("chat reply failed", "error", err)
	}
	if err := reply.Send(protocol.CompletedStatus(req.EventID)); err != nil {
		logger.Warn("status reply failed", "error", err)
	}
}

// calloutMarkers synthesizes one small numbered marker per callout, placed
// just right of the referenced element. Callouts naming unknown elements
// are dropped.
func (o *Orchestrator) calloutMarkers(elements []diagram.Element, result feedbackResult) map[string]json.RawMessage {
	byID := make(map[string]diagram.Element, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}
	markers := make(map[string]json.RawMessage)
	for _, c := range result.ElementCallouts {
		ref, ok := byID[c.ElementID]
		if !ok || ref.IsDeleted {
			continue
		}
		marker := diagram.Element{
			ID:              fmt.Sprintf("callout-%s-%d", c.ElementID, c.Number),
			Type:            "ellipse",
			X:               ref.X + ref.Width + 12,
			Y:               ref.Y - 12,
			Width:           28,
			Height:          28,
			StrokeColor:     "#e03131",
			BackgroundColor: "#ffc9c9",
			Text:            fmt.Sprintf("%d", c.Number),
			FrameID:         ref.FrameID,
			CustomData:      map[string]any{"callout": true},
		}
		raw, err := json.Marshal(marker)
		if err != nil {
			continue
		}
		markers[marker.ID] = raw
	}
	return markers
}

func historyToAI(history []convo.Message) []ai.Message {
	out := make([]ai.Message, 0, len(history)+1)
	for _, m := range history {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// describeDiagram renders the simplified diagram as compact JSON for the
// system prompt.
func describeDiagram(d map[string]diagram.SimplifiedElement) string {
	if len(d) == 0 {
		return "(empty)"
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "(unavailable)"
	}
	return string(b)
}
