package flow

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vk/calcflowgo/internal/config"
)

// Defaults fill task fields the definition leaves unset.
type Defaults struct {
	MaxAttempts int
	Walltime    string
	MemMB       int
	CPUs        int
}

// NewFromModel builds a Flow from a definition model, failing fast on any
// configuration error: empty or duplicate names, unknown edge references,
// workdir collisions, or cycles. After construction the topology is
// immutable.
func NewFromModel(model *config.Model, defaults Defaults) (*Flow, error) {
	if model == nil || model.Flow == nil {
		return nil, fmt.Errorf("nil flow definition")
	}
	def := model.Flow
	if def.Name == "" {
		return nil, fmt.Errorf("flow name is required")
	}
	if def.Workdir == "" {
		return nil, fmt.Errorf("flow %q: workdir is required", def.Name)
	}
	if len(def.Works) == 0 {
		return nil, fmt.Errorf("flow %q: at least one work is required", def.Name)
	}

	f := &Flow{
		Name:    def.Name,
		RunID:   uuid.NewString(),
		Workdir: def.Workdir,
	}
	f.taskByID = make(map[NodeID]*Task)
	f.workByID = make(map[NodeID]*Work)
	f.workOfTask = make(map[NodeID]NodeID)

	// First pass: create every node and allocate ids.
	nameToID := make(map[string]NodeID)
	workdirs := make(map[string]string)
	for wi, workDef := range def.Works {
		if workDef.Name == "" {
			return nil, fmt.Errorf("flow %q: work %d has no name", def.Name, wi)
		}
		if _, exists := nameToID[workDef.Name]; exists {
			return nil, fmt.Errorf("flow %q: duplicate work name %q", def.Name, workDef.Name)
		}
		if len(workDef.Tasks) == 0 {
			return nil, fmt.Errorf("work %q: at least one task is required", workDef.Name)
		}

		work := &Work{ID: f.allocID(), Name: workDef.Name}
		nameToID[work.Name] = work.ID
		f.Works = append(f.Works, work)
		f.workByID[work.ID] = work

		for ti, taskDef := range workDef.Tasks {
			task, err := buildTask(taskDef, defaults)
			if err != nil {
				return nil, fmt.Errorf("work %q: %w", workDef.Name, err)
			}
			qualified := work.Name + "." + task.Name
			if _, exists := nameToID[qualified]; exists {
				return nil, fmt.Errorf("work %q: duplicate task name %q", workDef.Name, task.Name)
			}

			task.ID = f.allocID()
			task.Workdir = filepath.Join(def.Workdir,
				fmt.Sprintf("w%02d_%s", wi, work.Name),
				fmt.Sprintf("t%02d_%s", ti, task.Name))
			if prev, collides := workdirs[task.Workdir]; collides {
				return nil, fmt.Errorf("task %q: workdir %s collides with task %q", qualified, task.Workdir, prev)
			}
			workdirs[task.Workdir] = qualified

			nameToID[qualified] = task.ID
			work.TaskIDs = append(work.TaskIDs, task.ID)
			f.Tasks = append(f.Tasks, task)
			f.taskByID[task.ID] = task
			f.workOfTask[task.ID] = work.ID
		}
	}

	// Second pass: link every declared dependency.
	for _, workDef := range def.Works {
		workID := nameToID[workDef.Name]
		for _, depName := range workDef.DependsOn {
			depID, ok := nameToID[depName]
			if !ok {
				return nil, fmt.Errorf("work %q: depends_on references unknown work %q", workDef.Name, depName)
			}
			if err := f.addEdge(depID, workID, false); err != nil {
				return nil, fmt.Errorf("work %q: %w", workDef.Name, err)
			}
		}
		for _, taskDef := range workDef.Tasks {
			taskID := nameToID[workDef.Name+"."+taskDef.Name]
			for _, depName := range taskDef.DependsOn {
				resolved := depName
				if !strings.Contains(depName, ".") {
					resolved = workDef.Name + "." + depName
				}
				depID, ok := nameToID[resolved]
				if !ok {
					return nil, fmt.Errorf("task %q.%q: depends_on references unknown node %q",
						workDef.Name, taskDef.Name, depName)
				}
				if err := f.addEdge(depID, taskID, false); err != nil {
					return nil, fmt.Errorf("task %q.%q: %w", workDef.Name, taskDef.Name, err)
				}
			}
		}
	}
	for _, edgeDef := range def.Edges {
		fromID, ok := nameToID[edgeDef.From]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", edgeDef.From)
		}
		toID, ok := nameToID[edgeDef.To]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", edgeDef.To)
		}
		if err := f.addEdge(fromID, toID, edgeDef.Tolerant); err != nil {
			return nil, err
		}
	}

	f.indexEdges()
	if err := f.detectCycles(); err != nil {
		return nil, fmt.Errorf("flow %q: %w", def.Name, err)
	}
	return f, nil
}

func buildTask(def *config.TaskDef, defaults Defaults) (*Task, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("task has no name")
	}
	if def.Command == "" {
		return nil, fmt.Errorf("task %q: command is required", def.Name)
	}

	task := &Task{
		Node:       Node{Name: def.Name, Status: StatusInit},
		Command:    def.Command,
		Args:       def.Args,
		Env:        def.Env,
		OutputFile: def.OutputFile,
		Resources: Resources{
			Walltime: defaults.Walltime,
			MemMB:    defaults.MemMB,
			CPUs:     defaults.CPUs,
		},
		MaxAttempts: defaults.MaxAttempts,
	}
	if def.Resources != nil {
		if def.Resources.Walltime != "" {
			task.Resources.Walltime = def.Resources.Walltime
		}
		if def.Resources.MemMB > 0 {
			task.Resources.MemMB = def.Resources.MemMB
		}
		if def.Resources.CPUs > 0 {
			task.Resources.CPUs = def.Resources.CPUs
		}
	}
	if def.MaxAttempts > 0 {
		task.MaxAttempts = def.MaxAttempts
	}
	if task.MaxAttempts <= 0 {
		return nil, fmt.Errorf("task %q: max_attempts must be positive", def.Name)
	}
	return task, nil
}
