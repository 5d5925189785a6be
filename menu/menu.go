// Package menu turns the engine's context-menu description into a
// display tree whose leaf items carry integer tags, and maps a clicked
// tag back to the engine's action id.
package menu

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MaxDepth is how many levels Flatten descends below its root.
const MaxDepth = 10

// Node is one entry of a context menu as sent by the engine.
type Node struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	ActionID string `json:"actionId"`
	Children []Node `json:"children"`
	// Checked is nil for grouping entries that have no check state.
	Checked *bool `json:"checked,omitempty"`
}

// IsLeaf reports whether n has no children.
func (n Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Parse decodes an engine menu. Entries missing name, enabled, actionId
// or children are skipped along with their subtrees. A null menu is
// empty.
func Parse(raw json.RawMessage) ([]Node, error) {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("menu must be a list: %w", err)
	}
	return parseEntries(entries), nil
}

func parseEntries(entries []map[string]json.RawMessage) []Node {
	nodes := make([]Node, 0, len(entries))
	for _, entry := range entries {
		node, ok := parseEntry(entry)
		if ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func parseEntry(entry map[string]json.RawMessage) (Node, bool) {
	var node Node
	for _, field := range []string{"name", "enabled", "actionId", "children"} {
		if _, ok := entry[field]; !ok {
			return node, false
		}
	}
	if json.Unmarshal(entry["name"], &node.Name) != nil ||
		json.Unmarshal(entry["enabled"], &node.Enabled) != nil ||
		json.Unmarshal(entry["actionId"], &node.ActionID) != nil {
		return node, false
	}
	if raw, ok := entry["checked"]; ok {
		var checked *bool
		if json.Unmarshal(raw, &checked) == nil {
			node.Checked = checked
		}
	}

	var children []map[string]json.RawMessage
	if json.Unmarshal(entry["children"], &children) != nil {
		return node, false
	}
	node.Children = parseEntries(children)
	return node, true
}

// Mark is the check-state presentation of an item.
type Mark int

const (
	// MarkGroup is the neutral presentation used when checked is absent.
	MarkGroup Mark = iota
	MarkUnchecked
	MarkChecked
)

func (m Mark) String() string {
	switch m {
	case MarkChecked:
		return "checked"
	case MarkUnchecked:
		return "unchecked"
	default:
		return "group"
	}
}

func markOf(n Node) Mark {
	switch {
	case n.Checked == nil:
		return MarkGroup
	case *n.Checked:
		return MarkChecked
	default:
		return MarkUnchecked
	}
}

// Item is a display menu entry. Leaves have a non-zero Tag; entries
// with children have a Submenu instead.
type Item struct {
	Title   string
	Enabled bool
	Mark    Mark
	Tag     int
	Submenu []Item
}

// Builder builds display menus and remembers which action each leaf tag
// stands for. Tags keep increasing across builds, so a tag from an
// earlier build can never resolve once a later build has started.
type Builder struct {
	mu      sync.Mutex
	lastTag int
	actions map[int]string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{actions: make(map[int]string)}
}

// Build clears the action table and builds the display tree for nodes.
func (b *Builder) Build(nodes []Node) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.actions)
	return b.buildLocked(nodes)
}

func (b *Builder) buildLocked(nodes []Node) []Item {
	items := make([]Item, 0, len(nodes))
	for _, n := range nodes {
		item := Item{Title: n.Name, Enabled: n.Enabled, Mark: markOf(n)}
		if n.IsLeaf() {
			b.lastTag++
			item.Tag = b.lastTag
			b.actions[item.Tag] = n.ActionID
		} else {
			item.Submenu = b.buildLocked(n.Children)
		}
		items = append(items, item)
	}
	return items
}

// Resolve returns the action id recorded for tag by the latest build.
func (b *Builder) Resolve(tag int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.actions[tag]
	return id, ok
}

// Take resolves tag and then forgets every tag, as done once a menu
// action has been dispatched.
func (b *Builder) Take(tag int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.actions[tag]
	clear(b.actions)
	return id, ok
}

// Reset forgets every tag.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.actions)
}

// Len returns the number of resolvable tags.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.actions)
}

// Flatten returns the leaves below root in menu order. Only nodes at
// most MaxDepth levels below root are visited, so deeper leaves are
// dropped and the walk stays bounded for any input.
func Flatten(root Node) []Node {
	type frame struct {
		node  Node
		depth int
		leaf  bool
	}

	var leaves []Node
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.leaf {
			leaves = append(leaves, top.node)
			continue
		}
		if top.depth >= MaxDepth {
			continue
		}
		// Push in reverse so children pop in menu order.
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			child := top.node.Children[i]
			stack = append(stack, frame{node: child, depth: top.depth + 1, leaf: child.IsLeaf()})
		}
	}
	return leaves
}
