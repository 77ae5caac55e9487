// Package hierarchy computes on-demand subtree roll-ups. Traversal is
// iterative with a depth counter and a visited-id set, so corrupt non-tree
// data cannot recurse unboundedly or revisit nodes.
package hierarchy

import (
	"tasktree/internal/task"
)

// Reader is the slice of the task store the aggregator needs.
type Reader interface {
	Get(id string) (task.Task, error)
	Children(id string) ([]task.Task, error)
}

// Aggregator rolls up completion counts and assembles bounded tree views.
type Aggregator struct {
	r Reader
}

// New creates an Aggregator over a task reader.
func New(r Reader) *Aggregator {
	return &Aggregator{r: r}
}

// Completion rolls up the status counts of every leaf-countable descendant
// of root. Master nodes never count toward their own denominator. An empty
// subtree yields a zero-total result with percentage 0, never an error; an
// unknown root fails with not_found.
func (a *Aggregator) Completion(rootID string) (task.Completion, error) {
	if _, err := a.r.Get(rootID); err != nil {
		return task.Completion{}, err
	}

	type frame struct {
		id    string
		depth int
	}
	visited := map[string]bool{rootID: true}
	queue := []frame{{id: rootID, depth: 0}}
	var c task.Completion

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.depth >= task.MaxDepth {
			continue
		}
		children, err := a.r.Children(f.id)
		if err != nil {
			return task.Completion{}, err
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			if child.Type.Countable() {
				c.Total++
				switch child.Status {
				case task.StatusCompleted:
					c.Completed++
				case task.StatusInProgress:
					c.InProgress++
				case task.StatusPending:
					c.Pending++
				case task.StatusBlocked:
					c.Blocked++
				}
			}
			queue = append(queue, frame{id: child.ID, depth: f.depth + 1})
		}
	}

	if c.Total > 0 {
		c.Percentage = float64(c.Completed) / float64(c.Total) * 100
	}
	return c, nil
}

// Tree assembles the nested subtree under rootID. Nodes at maxDepth that
// still have children are marked truncated rather than silently omitted.
// maxDepth <= 0 or above the hierarchy cap falls back to the cap.
func (a *Aggregator) Tree(rootID string, maxDepth int) (*task.TreeNode, error) {
	root, err := a.r.Get(rootID)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 || maxDepth > task.MaxDepth {
		maxDepth = task.MaxDepth
	}

	rootNode := &task.TreeNode{Task: root}

	type frame struct {
		node  *task.TreeNode
		depth int
	}
	visited := map[string]bool{rootID: true}
	queue := []frame{{node: rootNode, depth: 0}}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		children, err := a.r.Children(f.node.Task.ID)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			continue
		}
		if f.depth >= maxDepth {
			f.node.Truncated = true
			continue
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			childNode := &task.TreeNode{Task: child}
			f.node.Children = append(f.node.Children, childNode)
			queue = append(queue, frame{node: childNode, depth: f.depth + 1})
		}
	}
	return rootNode, nil
}
