// Package runtree assembles the flat run records of a task into a
// parent/child execution forest for display and evaluation.
package runtree

import (
	"sort"

	"github.com/basket/go-arena/internal/persistence"
)

// Node is one run in the execution forest.
type Node struct {
	Run      persistence.TaskRun
	Children []*Node
}

// Build converts an unordered run set into a forest linked by ParentRunID.
// A run whose declared parent is not in the set is treated as a root, so a
// partially loaded or inconsistent snapshot never drops runs. Sibling lists
// are sorted ascending by creation time at every level. Pure; safe to call
// on every read.
func Build(runs []persistence.TaskRun) []*Node {
	index := make(map[string]*Node, len(runs))
	for _, run := range runs {
		index[run.ID] = &Node{Run: run}
	}

	var roots []*Node
	for _, run := range runs {
		node := index[run.ID]
		if run.ParentRunID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := index[run.ParentRunID]
		if !ok || run.ParentRunID == run.ID {
			// Orphan (or self-referential record): surface it as a root.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortSiblings(roots)
	return roots
}

func sortSiblings(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Run, nodes[j].Run
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for _, node := range nodes {
		sortSiblings(node.Children)
	}
}

// Walk visits every node in the forest depth-first, parents before children.
func Walk(roots []*Node, visit func(*Node)) {
	for _, node := range roots {
		visit(node)
		Walk(node.Children, visit)
	}
}

// Count returns the total number of nodes in the forest.
func Count(roots []*Node) int {
	total := 0
	Walk(roots, func(*Node) { total++ })
	return total
}
