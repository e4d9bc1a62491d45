package document

import (
	"maps"
	"slices"
	"time"
)

// Apply returns the document that results from applying op to doc.
//
// Apply never mutates its input: collections are copied before they change
// and unchanged collections are shared with the result. Operations that
// target missing nodes leave the document untouched. Version is not changed;
// it is owned by whoever sequences the operation.
func Apply(doc Doc, op Op) Doc {
	now := op.Header().Now.UTC()

	switch o := op.(type) {
	case SetViewport:
		doc.Viewport = o.Viewport
		return touch(doc, now)

	case AddNode:
		node := o.Node.Clone()
		_, existed := doc.Nodes[node.ID]
		doc.Nodes = withNode(doc.Nodes, node)
		if !existed {
			order := make([]string, 0, len(doc.NodeOrder)+1)
			order = append(order, doc.NodeOrder...)
			doc.NodeOrder = append(order, node.ID)
		}
		return touch(doc, now)

	case UpdateNodeProps:
		prev, ok := doc.Nodes[o.NodeID]
		if !ok {
			return doc
		}
		next := prev
		next.Props = make(map[string]any, len(prev.Props)+len(o.Props))
		maps.Copy(next.Props, prev.Props)
		maps.Copy(next.Props, o.Props)
		next.UpdatedAt = now
		doc.Nodes = withNode(doc.Nodes, next)
		return touch(doc, now)

	case MoveNodes:
		if o.DX == 0 && o.DY == 0 {
			return doc
		}
		var nodes map[string]Node
		for _, id := range o.NodeIDs {
			n, ok := doc.Nodes[id]
			if !ok {
				continue
			}
			if nodes == nil {
				nodes = maps.Clone(doc.Nodes)
			}
			n.X += o.DX
			n.Y += o.DY
			n.UpdatedAt = now
			nodes[id] = n
		}
		if nodes == nil {
			return doc
		}
		doc.Nodes = nodes
		return touch(doc, now)

	case ResizeNode:
		prev, ok := doc.Nodes[o.NodeID]
		if !ok {
			return doc
		}
		prev.X, prev.Y, prev.W, prev.H = o.X, o.Y, o.W, o.H
		prev.UpdatedAt = now
		doc.Nodes = withNode(doc.Nodes, prev)
		return touch(doc, now)

	case DeleteNodes:
		if len(o.NodeIDs) == 0 {
			return doc
		}
		remove := make(map[string]struct{}, len(o.NodeIDs))
		for _, id := range o.NodeIDs {
			remove[id] = struct{}{}
		}
		nodes := make(map[string]Node, len(doc.Nodes))
		for id, n := range doc.Nodes {
			if _, gone := remove[id]; !gone {
				nodes[id] = n
			}
		}
		doc.Nodes = nodes
		doc.NodeOrder = without(doc.NodeOrder, remove)
		doc.Selection = without(doc.Selection, remove)
		return touch(doc, now)

	case SetNodeOrder:
		doc.NodeOrder = slices.Clone(o.NodeOrder)
		if doc.NodeOrder == nil {
			doc.NodeOrder = []string{}
		}
		return touch(doc, now)
	}
	return doc
}

// ApplyAll folds ops over doc in order.
func ApplyAll(doc Doc, ops ...Op) Doc {
	for _, op := range ops {
		doc = Apply(doc, op)
	}
	return doc
}

func touch(doc Doc, now time.Time) Doc {
	doc.UpdatedAt = now
	return doc
}

func withNode(nodes map[string]Node, n Node) map[string]Node {
	out := make(map[string]Node, len(nodes)+1)
	maps.Copy(out, nodes)
	out[n.ID] = n
	return out
}

func without(ids []string, remove map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, gone := remove[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}
