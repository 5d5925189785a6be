package menu

import (
	"encoding/json"
	"fmt"
	"testing"
)

// fixture builds width top-level groups, each with width groups of
// width leaves.
func fixture(width int) []Node {
	top := make([]Node, 0, width)
	for i := 0; i < width; i++ {
		group := Node{Name: fmt.Sprintf("group %d", i), Enabled: true}
		for j := 0; j < width; j++ {
			sub := Node{Name: fmt.Sprintf("sub %d.%d", i, j), Enabled: true}
			for k := 0; k < width; k++ {
				checked := k%2 == 0
				sub.Children = append(sub.Children, Node{
					Name:     fmt.Sprintf("leaf %d.%d.%d", i, j, k),
					Enabled:  true,
					ActionID: fmt.Sprintf("action_%d_%d_%d", i, j, k),
					Checked:  &checked,
				})
			}
			group.Children = append(group.Children, sub)
		}
		top = append(top, group)
	}
	return top
}

// chain returns a node with depth levels of single-child groups above
// one leaf.
func chain(depth int) Node {
	n := Node{Name: "leaf", ActionID: "deep"}
	for i := 0; i < depth; i++ {
		n = Node{Name: fmt.Sprintf("level %d", depth-i), Children: []Node{n}}
	}
	return n
}

func TestFlattenFixture(t *testing.T) {
	items := fixture(20)
	leaves := Flatten(items[0])
	if len(leaves) != 400 {
		t.Fatalf("Flatten returned %d items, want 400", len(leaves))
	}
	for _, leaf := range leaves {
		if !leaf.IsLeaf() {
			t.Fatalf("non-leaf %q in result", leaf.Name)
		}
		if leaf.Name == items[0].Name {
			t.Fatal("root included in result")
		}
	}
	if leaves[0].ActionID != "action_0_0_0" || leaves[399].ActionID != "action_0_19_19" {
		t.Errorf("leaves out of order: first %q last %q", leaves[0].ActionID, leaves[399].ActionID)
	}
}

func TestFlattenDepthBound(t *testing.T) {
	tests := []struct {
		depth int
		want  int
	}{
		{depth: 0, want: 0},
		{depth: 1, want: 1},
		{depth: MaxDepth, want: 1},
		{depth: MaxDepth + 1, want: 0},
		{depth: MaxDepth + 2, want: 0},
		{depth: 500, want: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.depth), func(t *testing.T) {
			if got := len(Flatten(chain(tt.depth))); got != tt.want {
				t.Errorf("Flatten(chain(%d)) = %d leaves, want %d", tt.depth, got, tt.want)
			}
		})
	}
}

func TestFlattenDropsLeavesBelowMaxDepth(t *testing.T) {
	root := Node{Name: "root", Children: []Node{
		chain(MaxDepth - 1),
		chain(MaxDepth),
		{Name: "shallow", ActionID: "shallow"},
	}}

	leaves := Flatten(root)
	if len(leaves) != 2 {
		t.Fatalf("Flatten returned %d leaves, want 2", len(leaves))
	}
	if leaves[1].ActionID != "shallow" {
		t.Errorf("second leaf = %q, want shallow", leaves[1].ActionID)
	}
}

func TestParse(t *testing.T) {
	raw := json.RawMessage(`[
		{"name": "Create public link", "enabled": true, "actionId": "create_link_gdrive", "children": []},
		{"name": "Public link not supported by storage", "enabled": false, "actionId": "", "children": []},
		{"name": "missing children", "enabled": true, "actionId": "x"},
		{"name": "Sync", "enabled": true, "actionId": "", "children": [
			{"name": "Dropbox", "enabled": true, "actionId": "addTo_dropbox", "children": [], "checked": true},
			{"name": "OneDrive", "enabled": true, "actionId": "addTo_onedrive", "children": [], "checked": false},
			{"enabled": true, "actionId": "nameless", "children": []}
		]}
	]`)

	nodes, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(nodes))
	}
	if nodes[1].Enabled {
		t.Error("disabled entry parsed as enabled")
	}
	sync := nodes[2]
	if len(sync.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(sync.Children))
	}
	if sync.Checked != nil {
		t.Error("group should have no check state")
	}
	if c := sync.Children[0].Checked; c == nil || !*c {
		t.Error("Dropbox should be checked")
	}
	if c := sync.Children[1].Checked; c == nil || *c {
		t.Error("OneDrive should be unchecked")
	}
}

func TestParseNullAndInvalid(t *testing.T) {
	nodes, err := Parse(json.RawMessage(`null`))
	if err != nil || len(nodes) != 0 {
		t.Errorf("null menu: %v, %v", nodes, err)
	}
	if _, err := Parse(json.RawMessage(`{"name":"x"}`)); err == nil {
		t.Error("object menu should be rejected")
	}
}

func TestBuild(t *testing.T) {
	yes := true
	nodes := []Node{
		{Name: "Show in browser", Enabled: true, ActionID: "browser_open_gdrive"},
		{Name: "Sync", Enabled: true, Children: []Node{
			{Name: "Dropbox", Enabled: true, ActionID: "addTo_dropbox", Checked: &yes},
		}},
	}
	b := NewBuilder()
	items := b.Build(nodes)

	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Tag == 0 || items[0].Submenu != nil {
		t.Errorf("leaf item = %+v", items[0])
	}
	if items[1].Tag != 0 || len(items[1].Submenu) != 1 {
		t.Errorf("group item = %+v", items[1])
	}
	if items[1].Mark != MarkGroup || items[1].Submenu[0].Mark != MarkChecked {
		t.Errorf("marks = %s, %s", items[1].Mark, items[1].Submenu[0].Mark)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}

	id, ok := b.Resolve(items[1].Submenu[0].Tag)
	if !ok || id != "addTo_dropbox" {
		t.Errorf("Resolve = %q, %v", id, ok)
	}
}

func TestBuildTagSpacesAreDisjoint(t *testing.T) {
	b := NewBuilder()
	first := b.Build(fixture(3))
	firstTags := collectTags(first)

	second := b.Build(fixture(3))
	for _, tag := range firstTags {
		if _, ok := b.Resolve(tag); ok {
			t.Fatalf("tag %d from first build still resolves", tag)
		}
	}
	for _, tag := range collectTags(second) {
		if _, ok := b.Resolve(tag); !ok {
			t.Fatalf("tag %d from second build does not resolve", tag)
		}
	}
}

func TestTakeClearsTable(t *testing.T) {
	b := NewBuilder()
	items := b.Build([]Node{{Name: "a", ActionID: "act_a"}, {Name: "b", ActionID: "act_b"}})

	id, ok := b.Take(items[1].Tag)
	if !ok || id != "act_b" {
		t.Fatalf("Take = %q, %v", id, ok)
	}
	if _, ok := b.Resolve(items[0].Tag); ok {
		t.Error("table should be empty after Take")
	}
}

func collectTags(items []Item) []int {
	var tags []int
	for _, it := range items {
		if it.Tag != 0 {
			tags = append(tags, it.Tag)
		}
		tags = append(tags, collectTags(it.Submenu)...)
	}
	return tags
}
