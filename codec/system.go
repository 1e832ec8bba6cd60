package codec

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/songzhibin97/issue-workflow/types"
)

//go:embed jira-workflow.xml
var systemWorkflowXML string

var (
	systemOnce  sync.Once
	systemGraph *types.WorkflowGraph
	systemErr   error
)

// SystemWorkflow returns a copy of the read-only default workflow every install ships with.
func SystemWorkflow() (*types.WorkflowGraph, error) {
	systemOnce.Do(func() {
		g, err := NewXMLCodec().Decode(systemWorkflowXML)
		if err != nil {
			systemErr = types.Integrity("load system workflow", err)
			return
		}
		g.Name = types.SystemDefaultWorkflow
		if err := g.Validate(nil); err != nil {
			systemErr = types.Integrity("load system workflow", fmt.Errorf("bundled descriptor: %w", err))
			return
		}
		systemGraph = g
	})
	if systemErr != nil {
		return nil, systemErr
	}
	return systemGraph.Clone(), nil
}

// SystemStatusIDs lists the statuses the system workflow links to.
var SystemStatusIDs = []string{"1", "3", "4", "5", "6"}
