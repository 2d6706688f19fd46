package validation

import (
	"fmt"

	"github.com/rendis/openrooms/pkg/schema"
)

// validateGraph walks transitions from the initial node. Cycles are legal in a
// state machine, so only reachability is reported, as warnings.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byID := make(map[string]*schema.WorkflowNode, len(wf.Nodes))
	for _, n := range wf.Nodes {
		byID[n.ID] = n
	}
	if _, ok := byID[wf.InitialNodeID]; !ok {
		return result
	}

	reachable := map[string]bool{wf.InitialNodeID: true}
	queue := []string{wf.InitialNodeID}
	endReachable := false
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := byID[id]
		if n.Type == schema.NodeTypeEnd {
			endReachable = true
			continue
		}
		for _, tr := range n.Transitions {
			if _, ok := byID[tr.TargetNodeID]; ok && !reachable[tr.TargetNodeID] {
				reachable[tr.TargetNodeID] = true
				queue = append(queue, tr.TargetNodeID)
			}
		}
	}

	for i, n := range wf.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(schema.NodePath(i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the initial node", n.ID))
		}
	}
	if !endReachable {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"no END node is reachable from the initial node; runs can never complete")
	}
	return result
}
