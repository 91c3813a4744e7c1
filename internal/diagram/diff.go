package diagram

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Patch operations.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
)

// PatchOp is one step of a structural patch over the id-keyed simplified
// element map. Paths are "/{id}" for whole-element ops and "/{id}/{field}"
// for field replacements.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diff computes the minimal operation set transforming old into new. The
// result is deterministic (keys visited in sorted order) and independent of
// map iteration order.
func Diff(old, new map[string]SimplifiedElement) []PatchOp {
	ids := make([]string, 0, len(old)+len(new))
	seen := make(map[string]bool, len(old)+len(new))
	for id := range old {
		ids = append(ids, id)
		seen[id] = true
	}
	for id := range new {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var ops []PatchOp
	for _, id := range ids {
		before, inOld := old[id]
		after, inNew := new[id]
		switch {
		case !inOld:
			ops = append(ops, PatchOp{Op: OpAdd, Path: "/" + id, Value: after})
		case !inNew:
			ops = append(ops, PatchOp{Op: OpRemove, Path: "/" + id})
		default:
			ops = append(ops, fieldOps(id, before, after)...)
		}
	}
	return ops
}

func fieldOps(id string, before, after SimplifiedElement) []PatchOp {
	var ops []PatchOp
	if before.Type != after.Type {
		ops = append(ops, PatchOp{Op: OpReplace, Path: "/" + id + "/type", Value: after.Type})
	}
	if before.Label != after.Label {
		ops = append(ops, PatchOp{Op: OpReplace, Path: "/" + id + "/label", Value: after.Label})
	}
	if before.Icon != after.Icon {
		ops = append(ops, PatchOp{Op: OpReplace, Path: "/" + id + "/icon", Value: after.Icon})
	}
	if before.Frame != after.Frame {
		ops = append(ops, PatchOp{Op: OpReplace, Path: "/" + id + "/frame", Value: after.Frame})
	}
	if !reflect.DeepEqual(sortedConns(before.ConnectsTo), sortedConns(after.ConnectsTo)) {
		ops = append(ops, PatchOp{Op: OpReplace, Path: "/" + id + "/connectsTo", Value: after.ConnectsTo})
	}
	return ops
}

func sortedConns(conns []Connection) []Connection {
	out := append([]Connection(nil), conns...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// DescribePatch renders a patch as prompt-ready text, one change per line.
func DescribePatch(ops []PatchOp) string {
	if len(ops) == 0 {
		return "no diagram changes"
	}
	var b strings.Builder
	for i, op := range ops {
		if i > 0 {
			b.WriteByte('\n')
		}
		parts := strings.SplitN(strings.TrimPrefix(op.Path, "/"), "/", 2)
		id := parts[0]
		switch {
		case op.Op == OpAdd:
			if el, ok := op.Value.(SimplifiedElement); ok {
				fmt.Fprintf(&b, "- added %s %q (%s)", el.Type, el.Label, id)
			} else {
				fmt.Fprintf(&b, "- added element %s", id)
			}
		case op.Op == OpRemove:
			fmt.Fprintf(&b, "- removed element %s", id)
		case len(parts) == 2:
			fmt.Fprintf(&b, "- element %s: %s changed to %v", id, parts[1], op.Value)
		default:
			fmt.Fprintf(&b, "- element %s changed", id)
		}
	}
	return b.String()
}
