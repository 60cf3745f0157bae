package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dshills/flowagent/pkg/workflow"
)

// WorkflowFile persists the whole workflow collection as one JSON array.
// It implements workflow.Persister.
type WorkflowFile struct {
	path string
}

// NewWorkflowFile returns a persister for the file at path.
func NewWorkflowFile(path string) *WorkflowFile {
	return &WorkflowFile{path: path}
}

// Path returns the backing file path.
func (f *WorkflowFile) Path() string { return f.path }

// Load reads the collection. A missing or blank file is an empty collection.
func (f *WorkflowFile) Load() ([]workflow.Workflow, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var workflows []workflow.Workflow
	if err := json.Unmarshal(data, &workflows); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", f.path, err)
	}
	return workflows, nil
}

// Save writes the full collection atomically.
func (f *WorkflowFile) Save(workflows []workflow.Workflow) error {
	if workflows == nil {
		workflows = []workflow.Workflow{}
	}
	data, err := json.MarshalIndent(workflows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflows: %w", err)
	}
	data = append(data, '\n')
	if err := WriteFileAtomic(f.path, data, 0644); err != nil {
		return fmt.Errorf("failed to save workflow file: %w", err)
	}
	return nil
}
