// Package diagram converts raw board elements into the simplified,
// AI-facing representation and computes structural patches between two
// simplified states. Everything here is pure: no I/O, no clocks.
package diagram

import "encoding/json"

// Binding ties an arrow endpoint to an element.
type Binding struct {
	ElementID string  `json:"elementId"`
	Focus     float64 `json:"focus,omitempty"`
	Gap       float64 `json:"gap,omitempty"`
}

// BoundElement references an element bound to this one (label text, arrows).
type BoundElement struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Element is the raw board element as it travels over the wire. Style fields
// are carried so documents round-trip, but simplification drops them.
type Element struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	X               float64        `json:"x"`
	Y               float64        `json:"y"`
	Width           float64        `json:"width"`
	Height          float64        `json:"height"`
	Angle           float64        `json:"angle,omitempty"`
	StrokeColor     string         `json:"strokeColor,omitempty"`
	BackgroundColor string         `json:"backgroundColor,omitempty"`
	Text            string         `json:"text,omitempty"`
	FontSize        float64        `json:"fontSize,omitempty"`
	Name            string         `json:"name,omitempty"` // frame display name
	IsDeleted       bool           `json:"isDeleted,omitempty"`
	FrameID         string         `json:"frameId,omitempty"`
	ContainerID     string         `json:"containerId,omitempty"`
	BoundElements   []BoundElement `json:"boundElements,omitempty"`
	StartBinding    *Binding       `json:"startBinding,omitempty"`
	EndBinding      *Binding       `json:"endBinding,omitempty"`
	StartArrowhead  string         `json:"startArrowhead,omitempty"`
	EndArrowhead    string         `json:"endArrowhead,omitempty"`
	CustomData      map[string]any `json:"customData,omitempty"`
	Index           string         `json:"index,omitempty"` // ephemeral ordering metadata
}

// Connection is a directed edge derived from a fully bound arrow.
type Connection struct {
	To      string `json:"to"`
	Label   string `json:"label,omitempty"`   // arrow's own label
	ToLabel string `json:"toLabel,omitempty"` // target element's label
}

// SimplifiedElement is the stripped representation handed to the AI and
// used for structural diffing: identity, kind, label, grouping, edges.
type SimplifiedElement struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Label      string       `json:"label,omitempty"`
	Icon       string       `json:"icon,omitempty"`
	Frame      string       `json:"frame,omitempty"`
	ConnectsTo []Connection `json:"connectsTo,omitempty"`
}

// ParseElements decodes raw element payloads, skipping undecodable entries.
func ParseElements(raw []json.RawMessage) []Element {
	out := make([]Element, 0, len(raw))
	for _, r := range raw {
		var el Element
		if err := json.Unmarshal(r, &el); err != nil {
			continue
		}
		out = append(out, el)
	}
	return out
}

func isFrame(t string) bool { return t == "frame" || t == "magicframe" }

// Simplify reduces the element collection to the id-keyed simplified map.
// Deleted elements are dropped. Text and arrow elements do not appear as
// entries of their own: text becomes the label of its container, arrows
// become connections on the elements they bind.
func Simplify(elements []Element) map[string]SimplifiedElement {
	live := make(map[string]Element)
	labelByContainer := make(map[string]string)
	var arrows []Element

	for _, el := range elements {
		if el.IsDeleted || el.ID == "" {
			continue
		}
		switch el.Type {
		case "text":
			if el.ContainerID != "" {
				labelByContainer[el.ContainerID] = el.Text
			}
		case "arrow":
			arrows = append(arrows, el)
		default:
			live[el.ID] = el
		}
	}

	out := make(map[string]SimplifiedElement, len(live))
	for id, el := range live {
		s := SimplifiedElement{ID: id, Type: el.Type}
		if label, ok := labelByContainer[id]; ok {
			s.Label = label
		} else if isFrame(el.Type) {
			s.Label = el.Name
		}
		if icon, ok := el.CustomData["icon"].(string); ok {
			s.Icon = icon
		}
		s.Frame = el.FrameID
		out[id] = s
	}

	for _, arrow := range arrows {
		if arrow.StartBinding == nil || arrow.EndBinding == nil {
			continue
		}
		from, fromOK := out[arrow.StartBinding.ElementID]
		to, toOK := out[arrow.EndBinding.ElementID]
		if !fromOK || !toOK {
			continue
		}
		label := labelByContainer[arrow.ID]
		if label == "" {
			label = arrow.Text
		}

		forward := arrow.EndArrowhead != "" && arrow.StartArrowhead == ""
		backward := arrow.StartArrowhead != "" && arrow.EndArrowhead == ""
		both := !forward && !backward

		if forward || both {
			from.ConnectsTo = append(from.ConnectsTo, Connection{To: to.ID, Label: label, ToLabel: to.Label})
			out[from.ID] = from
			to = out[to.ID] // re-read in case from == to target map entry changed
		}
		if backward || both {
			from = out[from.ID]
			to.ConnectsTo = append(to.ConnectsTo, Connection{To: from.ID, Label: label, ToLabel: from.Label})
			out[to.ID] = to
		}
	}
	return out
}
