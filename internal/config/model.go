package config

// Model is the unified, format-agnostic representation of a single flow
// definition: the works, their tasks, and every declared dependency edge.
type Model struct {
	Flow *FlowDef
}

// FlowDef describes one flow: an ordered list of works plus explicit
// cross-node edges.
type FlowDef struct {
	Name    string
	Workdir string
	Works   []*WorkDef
	Edges   []*EdgeDef
}

// WorkDef describes an ordered group of tasks. DependsOn references other
// works by name.
type WorkDef struct {
	Name      string
	DependsOn []string
	Tasks     []*TaskDef
}

// TaskDef describes a single engine invocation.
type TaskDef struct {
	Name    string
	Command string
	Args    []string
	// DependsOn references sibling tasks by bare name, or tasks in other
	// works as "work.task".
	DependsOn []string
	// Env holds extra environment variables for the engine process.
	Env map[string]string
	// OutputFile, when set, names the file (relative to the task workdir)
	// whose presence and non-emptiness defines success.
	OutputFile string
	// Resources is nil when the task accepts the configured defaults.
	Resources *ResourceDef
	// MaxAttempts of zero means "use the configured default".
	MaxAttempts int
}

// ResourceDef carries the batch-system resource request for a task.
type ResourceDef struct {
	Walltime string
	MemMB    int
	CPUs     int
}

// EdgeDef is an explicit dependency edge between two nodes, referenced by
// qualified name ("work" or "work.task"). Tolerant marks the successor as
// tolerating a fatal failure of this specific predecessor.
type EdgeDef struct {
	From     string
	To       string
	Tolerant bool
}
