package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/openrooms/pkg/schema"
)

// DecodeWorkflow parses a workflow definition. YAML is accepted for .yaml and
// .yml names; anything else is parsed as JSON.
func DecodeWorkflow(name string, data []byte) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, wf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, wf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	for _, n := range wf.Nodes {
		if n != nil {
			n.WorkflowID = wf.ID
		}
	}
	return wf, nil
}

// LoadWorkflowFile reads and parses a single definition file.
func LoadWorkflowFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return DecodeWorkflow(path, data)
}

// LoadWorkflowDir saves every .yaml, .yml and .json definition in dir, in name
// order. validate may be nil. It returns the number of workflows saved.
func LoadWorkflowDir(ctx context.Context, dir string, ws WorkflowStore, validate func(*schema.Workflow) error) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workflows dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	saved := 0
	for _, name := range names {
		wf, err := LoadWorkflowFile(filepath.Join(dir, name))
		if err != nil {
			return saved, err
		}
		if validate != nil {
			if err := validate(wf); err != nil {
				return saved, fmt.Errorf("workflow %s: %w", name, err)
			}
		}
		if err := ws.SaveWorkflow(ctx, wf); err != nil {
			return saved, fmt.Errorf("save workflow %s: %w", name, err)
		}
		saved++
	}
	return saved, nil
}
