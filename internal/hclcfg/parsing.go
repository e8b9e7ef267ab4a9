package hclcfg

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/calcflowgo/internal/config"
	"github.com/vk/calcflowgo/internal/ctxlog"
)

// Loader parses .hcl flow definition files.
type Loader struct{}

// NewLoader returns a Loader for HCL flow definitions.
func NewLoader() *Loader {
	return &Loader{}
}

// hclFlowFile represents the top-level structure of a flow file for decoding.
type hclFlowFile struct {
	Flows []*hclFlow `hcl:"flow,block"`
}

type hclFlow struct {
	Name    string     `hcl:"name,label"`
	Workdir string     `hcl:"workdir"`
	Works   []*hclWork `hcl:"work,block"`
	Edges   []*hclEdge `hcl:"edge,block"`
}

type hclWork struct {
	Name      string     `hcl:"name,label"`
	DependsOn []string   `hcl:"depends_on,optional"`
	Tasks     []*hclTask `hcl:"task,block"`
}

type hclTask struct {
	Name        string         `hcl:"name,label"`
	Command     string         `hcl:"command"`
	Args        []string       `hcl:"args,optional"`
	DependsOn   []string       `hcl:"depends_on,optional"`
	Env         cty.Value      `hcl:"env,optional"`
	OutputFile  string         `hcl:"output_file,optional"`
	MaxAttempts int            `hcl:"max_attempts,optional"`
	Resources   *hclResources  `hcl:"resources,block"`
}

type hclResources struct {
	Walltime string `hcl:"walltime,optional"`
	MemMB    int    `hcl:"mem_mb,optional"`
	CPUs     int    `hcl:"cpus,optional"`
}

type hclEdge struct {
	From     string `hcl:"from"`
	To       string `hcl:"to"`
	Tolerant bool   `hcl:"tolerant,optional"`
}

// Load parses a single HCL file and translates it into the config model.
func (l *Loader) Load(ctx context.Context, path string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading flow definition.", "path", path)

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsedFile hclFlowFile
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsedFile)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	if len(parsedFile.Flows) == 0 {
		return nil, fmt.Errorf("no flow block found in %s", path)
	}
	if len(parsedFile.Flows) > 1 {
		return nil, fmt.Errorf("multiple flow blocks found in %s; exactly one is allowed", path)
	}

	flowDef, err := translateFlow(parsedFile.Flows[0])
	if err != nil {
		return nil, fmt.Errorf("invalid flow definition in %s: %w", path, err)
	}

	logger.Debug("Flow definition loaded.", "flow", flowDef.Name, "works", len(flowDef.Works))
	return &config.Model{Flow: flowDef}, nil
}

func translateFlow(f *hclFlow) (*config.FlowDef, error) {
	def := &config.FlowDef{
		Name:    f.Name,
		Workdir: f.Workdir,
	}
	for _, w := range f.Works {
		workDef := &config.WorkDef{
			Name:      w.Name,
			DependsOn: w.DependsOn,
		}
		for _, t := range w.Tasks {
			taskDef, err := translateTask(t)
			if err != nil {
				return nil, fmt.Errorf("work %q, task %q: %w", w.Name, t.Name, err)
			}
			workDef.Tasks = append(workDef.Tasks, taskDef)
		}
		def.Works = append(def.Works, workDef)
	}
	for _, e := range f.Edges {
		def.Edges = append(def.Edges, &config.EdgeDef{
			From:     e.From,
			To:       e.To,
			Tolerant: e.Tolerant,
		})
	}
	return def, nil
}

func translateTask(t *hclTask) (*config.TaskDef, error) {
	env, err := decodeEnv(t.Env)
	if err != nil {
		return nil, err
	}

	def := &config.TaskDef{
		Name:        t.Name,
		Command:     t.Command,
		Args:        t.Args,
		DependsOn:   t.DependsOn,
		Env:         env,
		OutputFile:  t.OutputFile,
		MaxAttempts: t.MaxAttempts,
	}
	if t.Resources != nil {
		def.Resources = &config.ResourceDef{
			Walltime: t.Resources.Walltime,
			MemMB:    t.Resources.MemMB,
			CPUs:     t.Resources.CPUs,
		}
	}
	return def, nil
}

// decodeEnv converts the raw cty value of an `env` attribute into a string
// map. Numbers and bools are converted to their string forms so users can
// write env = { OMP_NUM_THREADS = 8 } without quoting.
func decodeEnv(v cty.Value) (map[string]string, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("env must be a map of strings, got %s", v.Type().FriendlyName())
	}

	env := make(map[string]string)
	for key, val := range v.AsValueMap() {
		converted, err := convert.Convert(val, cty.String)
		if err != nil {
			return nil, fmt.Errorf("env %q: %w", key, err)
		}
		if converted.IsNull() {
			return nil, fmt.Errorf("env %q: null value not allowed", key)
		}
		env[key] = converted.AsString()
	}
	return env, nil
}
