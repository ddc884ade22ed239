package notes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func info(id, title string, parentID *string) NoteInfo {
	return NoteInfo{ID: id, Title: title, ParentID: parentID, NoteType: TypeNote}
}

func countNodes(nodes []*TreeNode) int {
	total := 0
	for _, node := range nodes {
		total += 1 + countNodes(node.Children)
	}
	return total
}

func TestBuildTreeCoversEveryNoteOnce(t *testing.T) {
	infos := []NoteInfo{
		info("a", "Arc 1", nil),
		info("b", "Session 1", strptr("a")),
		info("c", "Session 2", strptr("a")),
		info("d", "Loose end", nil),
		info("e", "Orphan", strptr("gone")), // dangling parent
	}

	forest := BuildTree(infos)
	assert.Equal(t, len(infos), countNodes(forest))

	// Dangling parents surface as roots.
	ids := make(map[string]bool)
	for _, root := range forest {
		ids[root.ID] = true
	}
	assert.True(t, ids["e"], "orphan should be a root")
	assert.Len(t, forest, 3)
}

func TestBuildTreeSelfParentIsRoot(t *testing.T) {
	forest := BuildTree([]NoteInfo{info("a", "Loop", strptr("a"))})
	require.Len(t, forest, 1)
	assert.Empty(t, forest[0].Children)
}

func TestNaturalCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"item2", "item10", -1},
		{"item10", "item2", 1},
		{"Item5", "item5", 0},
		{"session 2", "Session 10", -1},
		{"a", "ab", -1},
		{"007", "7", 0},
		{"chapter", "chapter 1", -1},
		{"", "x", -1},
	}
	for _, tc := range cases {
		got := NaturalCompare(tc.a, tc.b)
		sign := func(n int) int {
			switch {
			case n < 0:
				return -1
			case n > 0:
				return 1
			}
			return 0
		}
		assert.Equal(t, tc.want, sign(got), "NaturalCompare(%q, %q)", tc.a, tc.b)
	}
}

func TestBuildTreeSiblingOrder(t *testing.T) {
	forest := BuildTree([]NoteInfo{
		info("a", "Session 10", nil),
		info("b", "session 2", nil),
		info("c", "Appendix", nil),
	})
	require.Len(t, forest, 3)
	assert.Equal(t, "Appendix", forest[0].Note.Title)
	assert.Equal(t, "session 2", forest[1].Note.Title)
	assert.Equal(t, "Session 10", forest[2].Note.Title)
}

func TestIsInvalidDrop(t *testing.T) {
	infos := []NoteInfo{
		info("root", "Root", nil),
		info("mid", "Mid", strptr("root")),
		info("leaf", "Leaf", strptr("mid")),
		info("other", "Other", nil),
	}
	parents := ParentMap(infos)

	assert.True(t, IsInvalidDrop(parents, "root", "root"), "onto itself")
	assert.True(t, IsInvalidDrop(parents, "root", "leaf"), "onto own descendant")
	assert.True(t, IsInvalidDrop(parents, "mid", "leaf"), "onto own child")
	assert.False(t, IsInvalidDrop(parents, "leaf", "root"), "up the chain is fine")
	assert.False(t, IsInvalidDrop(parents, "other", "leaf"), "unrelated subtree is fine")
}

func TestIsInvalidDropSurvivesParentCycle(t *testing.T) {
	// Corrupted data: a <-> b cycle. The walk must terminate.
	parents := map[string]string{"a": "b", "b": "a"}
	assert.False(t, IsInvalidDrop(parents, "c", "a"))
	assert.True(t, IsInvalidDrop(parents, "a", "b"))
}

func TestFilterTree(t *testing.T) {
	forest := BuildTree([]NoteInfo{
		info("a", "Arc 1", nil),
		info("b", "Goblin camp", strptr("a")),
		info("c", "Dragon lair", strptr("a")),
		info("d", "Shopping", nil),
	})

	filtered := FilterTree(forest, "dragon")
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].ID, "ancestor chain kept")
	require.Len(t, filtered[0].Children, 1)
	assert.Equal(t, "c", filtered[0].Children[0].ID)

	// The original forest is untouched.
	assert.Len(t, forest[0].Children, 2)

	assert.Equal(t, forest, FilterTree(forest, "  "), "blank query returns input")
	assert.Empty(t, FilterTree(forest, "no such note"))
}
