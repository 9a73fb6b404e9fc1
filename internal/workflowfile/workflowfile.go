// Package workflowfile loads workflow definitions from YAML or JSON
// files into domain.Workflow values, matching the wire shape spec.md
// §6 describes for create_workflow's request body.
//
// Grounded on gopkg.in/yaml.v3 (a direct teacher dependency, unused by
// the teacher's own Go code but present in go.mod — presumably wired
// for its own config/fixture loading — adopted here for the one
// concern the teacher's dependency set implies but never exercises:
// loading a workflow definition from disk) and on the teacher's
// internal/application/executor/config_parser.go parseConfig generic
// (decode-to-any-then-re-marshal), reused here to turn a YAML node's
// already-generic map[string]any into JSON-shaped values for
// domain.NodeSpec.Config.
package workflowfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbflow/engine/internal/domain"
)

// fileFormat mirrors the external JSON/YAML wire shape: plain string
// and map fields, decoded independently of domain.Workflow's own
// (bun-tagged, validated) shape so a malformed file produces a
// domain.ErrInvalidWorkflow instead of a panic on a mismatched type
// assertion.
type fileFormat struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Nodes []struct {
		ID     string         `json:"id" yaml:"id"`
		Type   string         `json:"type" yaml:"type"`
		Config map[string]any `json:"config" yaml:"config"`
	} `json:"nodes" yaml:"nodes"`
	Edges []struct {
		ID     string `json:"id" yaml:"id"`
		Source string `json:"source" yaml:"source"`
		Target string `json:"target" yaml:"target"`
	} `json:"edges" yaml:"edges"`
}

// Load reads a workflow definition from path, dispatching on its
// extension (.yaml/.yml or .json) and building a validated
// domain.Workflow via domain.NewWorkflow.
func Load(path string) (*domain.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrInvalidWorkflow, fmt.Sprintf("reading workflow file %q", path), err)
	}

	var ff fileFormat
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &ff); err != nil {
			return nil, domain.NewEngineError(domain.ErrInvalidWorkflow, fmt.Sprintf("parsing YAML workflow file %q", path), err)
		}
	case ".json":
		if err := json.Unmarshal(raw, &ff); err != nil {
			return nil, domain.NewEngineError(domain.ErrInvalidWorkflow, fmt.Sprintf("parsing JSON workflow file %q", path), err)
		}
	default:
		return nil, domain.NewEngineError(domain.ErrInvalidWorkflow, fmt.Sprintf("unrecognized workflow file extension %q", ext), nil)
	}

	nodes := make([]domain.NodeSpec, 0, len(ff.Nodes))
	for _, n := range ff.Nodes {
		nodes = append(nodes, domain.NodeSpec{ID: n.ID, Type: n.Type, Config: normalizeConfig(n.Config)})
	}
	edges := make([]domain.Edge, 0, len(ff.Edges))
	for _, e := range ff.Edges {
		edges = append(edges, domain.Edge{ID: e.ID, Source: e.Source, Target: e.Target})
	}

	return domain.NewWorkflow(ff.ID, ff.Name, nodes, edges, time.Now())
}

// normalizeConfig re-marshals a YAML-decoded map through JSON so its
// nested values are plain map[string]any/[]any/float64/string/bool —
// yaml.v3 otherwise decodes nested mappings as map[string]interface{}
// with non-string keys in some cases, which Node factories (all of
// which type-assert against map[string]any) would reject.
func normalizeConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, err := toJSONCompatible(m)
	if err != nil {
		return m
	}
	data, err := json.Marshal(out)
	if err != nil {
		return m
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return m
	}
	return normalized
}

// toJSONCompatible walks a yaml.v3-decoded value tree, converting any
// map[interface{}]interface{} (or map[any]any) nodes into
// map[string]any so the result round-trips through encoding/json.
func toJSONCompatible(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			converted, err := toJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			converted, err := toJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", k)] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			converted, err := toJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return val, nil
	}
}
