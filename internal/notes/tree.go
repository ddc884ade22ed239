package notes

import (
	"sort"
	"strings"
)

// TreeNode is one entry of the sidebar forest.
type TreeNode struct {
	ID       string      `json:"id"`
	Note     NoteInfo    `json:"note"`
	Children []*TreeNode `json:"children"`
}

// BuildTree groups notes by parent into a forest. A note whose parentId is
// empty or points outside the input set becomes a root. Siblings at every
// level are ordered by NaturalCompare on their titles.
func BuildTree(infos []NoteInfo) []*TreeNode {
	byID := make(map[string]*TreeNode, len(infos))
	order := make([]*TreeNode, 0, len(infos))
	for _, info := range infos {
		node := &TreeNode{ID: info.ID, Note: info}
		byID[info.ID] = node
		order = append(order, node)
	}

	var roots []*TreeNode
	for _, node := range order {
		parentID := ""
		if node.Note.ParentID != nil {
			parentID = *node.Note.ParentID
		}
		if parent, ok := byID[parentID]; ok && parentID != "" && parentID != node.ID {
			parent.Children = append(parent.Children, node)
		} else {
			// Dangling parent references are treated as roots, not errors.
			roots = append(roots, node)
		}
	}

	sortForest(roots)
	return roots
}

func sortForest(nodes []*TreeNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return NaturalCompare(nodes[i].Note.Title, nodes[j].Note.Title) < 0
	})
	for _, node := range nodes {
		sortForest(node.Children)
	}
}

// NaturalCompare orders strings with embedded numbers the way a human sorts
// session notes: digit runs compare by value ("item2" before "item10"),
// letter runs compare case-insensitively.
func NaturalCompare(a, b string) int {
	for a != "" && b != "" {
		aRun, aNum, aRest := nextRun(a)
		bRun, bNum, bRest := nextRun(b)

		if aNum && bNum {
			if cmp := compareNumericRuns(aRun, bRun); cmp != 0 {
				return cmp
			}
		} else {
			aFold := strings.ToLower(aRun)
			bFold := strings.ToLower(bRun)
			if aFold != bFold {
				if aFold < bFold {
					return -1
				}
				return 1
			}
		}
		a, b = aRest, bRest
	}
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	return 1
}

// nextRun splits off the leading all-digit or all-non-digit run.
func nextRun(s string) (run string, numeric bool, rest string) {
	numeric = isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == numeric {
		i++
	}
	return s[:i], numeric, s[i:]
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func compareNumericRuns(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// ParentMap indexes a note list by id to parent id ("" for roots), the shape
// IsInvalidDrop walks.
func ParentMap(infos []NoteInfo) map[string]string {
	out := make(map[string]string, len(infos))
	for _, info := range infos {
		parentID := ""
		if info.ParentID != nil {
			parentID = *info.ParentID
		}
		out[info.ID] = parentID
	}
	return out
}

// IsInvalidDrop rejects reparenting a note onto itself or onto one of its own
// descendants. A seen-set guards against walking a parent graph that already
// contains a cycle.
func IsInvalidDrop(parents map[string]string, dragID, targetID string) bool {
	if dragID == targetID {
		return true
	}
	seen := make(map[string]bool)
	current := targetID
	for current != "" {
		if current == dragID {
			return true
		}
		if seen[current] {
			break
		}
		seen[current] = true
		current = parents[current]
	}
	return false
}

// FilterTree keeps every node whose title contains query (case-insensitive)
// plus the ancestor chain above each match. Sibling order is preserved, not
// re-sorted.
func FilterTree(nodes []*TreeNode, query string) []*TreeNode {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nodes
	}
	var out []*TreeNode
	for _, node := range nodes {
		children := FilterTree(node.Children, query)
		if len(children) > 0 || strings.Contains(strings.ToLower(node.Note.Title), query) {
			out = append(out, &TreeNode{ID: node.ID, Note: node.Note, Children: children})
		}
	}
	return out
}
