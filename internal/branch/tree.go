package branch

import (
	"cmp"
	"slices"

	"github.com/esnunes/forkline/internal/models"
)

type Node struct {
	Branch   models.Branch `json:"branch"`
	Depth    int           `json:"depth"`
	Children []*Node       `json:"children,omitempty"`
}

// BuildTree arranges branches into a forest. Branches whose parent is not in
// the set become additional roots. Roots are ordered main first, then by name;
// children by name. Ties fall back to id so the result is deterministic.
func BuildTree(branches []models.Branch) []*Node {
	known := make(map[string]bool, len(branches))
	for _, b := range branches {
		known[b.ID] = true
	}

	children := make(map[string][]models.Branch)
	var roots []models.Branch
	for _, b := range branches {
		if b.ParentBranchID == nil || !known[*b.ParentBranchID] || *b.ParentBranchID == b.ID {
			roots = append(roots, b)
			continue
		}
		children[*b.ParentBranchID] = append(children[*b.ParentBranchID], b)
	}

	slices.SortFunc(roots, compareRoots)
	visited := make(map[string]bool, len(branches))
	forest := make([]*Node, 0, len(roots))
	for _, r := range roots {
		forest = append(forest, build(r, 0, children, visited))
	}

	// Parent cycles cannot be created through the store, but a corrupted set
	// must still surface every branch.
	var stranded []models.Branch
	for _, b := range branches {
		if !visited[b.ID] {
			stranded = append(stranded, b)
		}
	}
	slices.SortFunc(stranded, compareByName)
	for _, b := range stranded {
		if !visited[b.ID] {
			forest = append(forest, build(b, 0, children, visited))
		}
	}
	return forest
}

func build(b models.Branch, depth int, children map[string][]models.Branch, visited map[string]bool) *Node {
	visited[b.ID] = true
	n := &Node{Branch: b, Depth: depth}
	kids := children[b.ID]
	slices.SortFunc(kids, compareByName)
	for _, c := range kids {
		if visited[c.ID] {
			continue
		}
		n.Children = append(n.Children, build(c, depth+1, children, visited))
	}
	return n
}

func compareRoots(a, b models.Branch) int {
	if a.IsMain != b.IsMain {
		if a.IsMain {
			return -1
		}
		return 1
	}
	return compareByName(a, b)
}

func compareByName(a, b models.Branch) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Walk visits every node depth-first in tree order.
func Walk(forest []*Node, fn func(*Node)) {
	for _, n := range forest {
		fn(n)
		Walk(n.Children, fn)
	}
}
