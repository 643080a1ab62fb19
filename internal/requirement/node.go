// Package requirement defines the requirement tree data model: nodes under
// validation, the results produced for them, and loading a batch queue from
// disk.
package requirement

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/reqtree/internal/errors"
)

// ChildSeparator joins a parent ID and a child index in split child IDs.
// Root IDs may not contain it.
const ChildSeparator = "."

// Node is a requirement under validation. Roots have depth 0 and no parent;
// split children are materialized from a parent's result one level deeper.
type Node struct {
	ID           string `json:"id" yaml:"id"`
	Text         string `json:"text" yaml:"text"`
	Tag          string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Depth        int    `json:"depth" yaml:"-"`
	ParentID     string `json:"parent_id,omitempty" yaml:"-"`
	IsSplitChild bool   `json:"is_split_child,omitempty" yaml:"-"`
}

// NewRoot creates a root node.
func NewRoot(id, text, tag string) Node {
	return Node{ID: id, Text: text, Tag: tag}
}

// IsRoot reports whether n was enqueued directly rather than produced by a split.
func (n Node) IsRoot() bool {
	return n.ParentID == "" && !n.IsSplitChild
}

// CheckRootID returns a ValidationError if id cannot name a root. A root
// named "A.1" would collide with the first split child of root "A".
func CheckRootID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewValidationError("requirement id is required").WithField("id")
	}
	if strings.Contains(id, ChildSeparator) {
		return errors.NewValidationError(fmt.Sprintf("requirement id must not contain %q", ChildSeparator)).
			WithField("id").WithValue(id)
	}
	return nil
}

// Child materializes the index-th split child of n. Child IDs are
// "{parent}.{index+1}", so they stay unique and stable across runs as long
// as root IDs pass CheckRootID.
func (n Node) Child(index int, text string) Node {
	return Node{
		ID:           n.ID + ChildSeparator + fmt.Sprint(index+1),
		Text:         text,
		Tag:          n.Tag,
		Depth:        n.Depth + 1,
		ParentID:     n.ID,
		IsSplitChild: true,
	}
}

// Children materializes one child per text in order.
func (n Node) Children(texts []string) []Node {
	children := make([]Node, len(texts))
	for i, text := range texts {
		children[i] = n.Child(i, text)
	}
	return children
}

// RootID returns the ID of the root this node descends from.
func (n Node) RootID() string {
	if i := strings.Index(n.ID, ChildSeparator); i > 0 && n.IsSplitChild {
		return n.ID[:i]
	}
	return n.ID
}

// NodeResult is the outcome of validating one node.
type NodeResult struct {
	NodeID          string   `json:"node_id"`
	Passed          bool     `json:"passed"`
	Score           float64  `json:"score"`
	FinalText       string   `json:"final_text"`
	FixCount        int      `json:"fix_count"`
	SplitOccurred   bool     `json:"split_occurred"`
	SplitChildTexts []string `json:"split_child_texts,omitempty"`
}

// FailedResult is the synthetic result recorded for a node whose validate
// call failed, so the node still counts in batch statistics.
func FailedResult(n Node) NodeResult {
	return NodeResult{
		NodeID:    n.ID,
		Passed:    false,
		Score:     0,
		FinalText: n.Text,
	}
}

// IsSplit reports whether r should be expanded into children. A split with
// no child texts is treated as a plain result.
func (r NodeResult) IsSplit() bool {
	return r.SplitOccurred && len(r.SplitChildTexts) > 0
}

// PassesThreshold reports whether r scored at or above threshold.
func (r NodeResult) PassesThreshold(threshold float64) bool {
	return r.Score >= threshold
}

// Clone returns a deep copy of r.
func (r NodeResult) Clone() NodeResult {
	if r.SplitChildTexts != nil {
		r.SplitChildTexts = append([]string(nil), r.SplitChildTexts...)
	}
	return r
}
