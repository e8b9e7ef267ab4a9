// Package diagnose classifies terminated engine runs into a closed taxonomy.
//
// Classification is pattern-based over the run's exit code and log text.
// Rules are evaluated in a fixed priority order so that when several
// patterns match, the more specific and more actionable category wins;
// KindUnrecognized is the conservative catch-all at the bottom.
package diagnose

import (
	"fmt"
	"regexp"
)

// Kind is one outcome of the classification taxonomy.
type Kind string

const (
	// KindOK means the success criteria were met.
	KindOK Kind = "OK"
	// KindTransientInfra is a queue- or node-level failure unrelated to the
	// calculation itself; safe to resubmit unchanged.
	KindTransientInfra Kind = "TRANSIENT_INFRA"
	// KindResourceInsufficient means the engine ran out of memory or time;
	// the resource request should be raised before resubmission.
	KindResourceInsufficient Kind = "RESOURCE_INSUFFICIENT"
	// KindNumericalNonconvergence means the engine ran but did not converge.
	KindNumericalNonconvergence Kind = "NUMERICAL_NONCONVERGENCE"
	// KindFatalInput means the input deck is malformed or physically
	// invalid; never retryable.
	KindFatalInput Kind = "FATAL_INPUT"
	// KindUnrecognized means no pattern matched. Treated as fatal to avoid
	// infinite retry loops; logged prominently for operator attention.
	KindUnrecognized Kind = "UNRECOGNIZED"
)

// Retryable reports whether a diagnosis of this kind permits resubmission.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientInfra, KindResourceInsufficient, KindNumericalNonconvergence:
		return true
	default:
		return false
	}
}

// ParseKind validates an operator-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOK, KindTransientInfra, KindResourceInsufficient,
		KindNumericalNonconvergence, KindFatalInput, KindUnrecognized:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown diagnosis kind %q", s)
}

// Diagnosis is the classifier's verdict for one terminated run.
type Diagnosis struct {
	Kind Kind `json:"kind"`
	// Reason is a human-readable explanation, e.g. the matched pattern's
	// description. It is informational; decisions are made from Kind only.
	Reason string `json:"reason"`
}

// Rule pairs a diagnosis kind with the log pattern that selects it.
type Rule struct {
	Kind    Kind
	Pattern *regexp.Regexp
	Reason  string
}

// Input carries everything the classifier may inspect for one run.
type Input struct {
	ExitCode int
	// Logs is the concatenated text the engine produced: stdout, stderr
	// and any engine-specific log files.
	Logs string
}

// Classifier evaluates an ordered rule table.
type Classifier struct {
	rules []Rule
}

// New returns a classifier with the built-in rule table plus any extra
// rules. Extra rules are checked before the built-in rules of the same
// kind, never before a more specific kind.
func New(extra ...Rule) *Classifier {
	byKind := make(map[Kind][]Rule)
	for _, r := range extra {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}

	var rules []Rule
	for _, kind := range kindOrder {
		rules = append(rules, byKind[kind]...)
		rules = append(rules, builtinRules[kind]...)
	}
	return &Classifier{rules: rules}
}

// kindOrder fixes the priority among categories: specific and actionable
// first.
var kindOrder = []Kind{
	KindTransientInfra,
	KindResourceInsufficient,
	KindNumericalNonconvergence,
	KindFatalInput,
}

var builtinRules = map[Kind][]Rule{
	KindTransientInfra: {
		{KindTransientInfra, regexp.MustCompile(`(?i)slurmstepd: error|node failure|communication error|stale file handle|connection timed out|transport endpoint`), "batch system or node-level failure"},
	},
	KindResourceInsufficient: {
		{KindResourceInsufficient, regexp.MustCompile(`(?i)out of memory|oom-kill|cannot allocate memory|exceeded memory limit`), "memory limit exceeded"},
		{KindResourceInsufficient, regexp.MustCompile(`(?i)due to time limit|walltime.{0,20}exceeded|time limit exceeded`), "wall-time limit exceeded"},
	},
	KindNumericalNonconvergence: {
		{KindNumericalNonconvergence, regexp.MustCompile(`(?i)did not converge|not converged|convergence not (?:reached|achieved)|too many iterations`), "calculation did not converge"},
	},
	KindFatalInput: {
		{KindFatalInput, regexp.MustCompile(`(?i)invalid input|parse error in input|unknown (?:keyword|variable)|inconsistent input|malformed input`), "malformed or invalid input deck"},
	},
}

// Classify returns the first matching diagnosis for the given run, or
// KindUnrecognized when nothing matches. A zero exit code is not treated
// as success here; callers establish success via their output check before
// consulting the classifier.
func (c *Classifier) Classify(in Input) Diagnosis {
	for _, r := range c.rules {
		if r.Pattern.MatchString(in.Logs) {
			return Diagnosis{Kind: r.Kind, Reason: r.Reason}
		}
	}
	return Diagnosis{
		Kind:   KindUnrecognized,
		Reason: fmt.Sprintf("no pattern matched (exit code %d)", in.ExitCode),
	}
}

// RuleSpec is the uncompiled, operator-supplied form of a Rule.
type RuleSpec struct {
	Kind    string
	Pattern string
	Reason  string
}

// CompileRules translates operator-supplied pattern specs into rules. Each
// pattern must compile and name a known kind; KindOK is not a valid pattern
// outcome because success is established by the output check.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		kind, err := ParseKind(spec.Kind)
		if err != nil {
			return nil, err
		}
		if kind == KindOK {
			return nil, fmt.Errorf("OK is established by the output check, not by a pattern")
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", spec.Pattern, err)
		}
		rules = append(rules, Rule{Kind: kind, Pattern: re, Reason: spec.Reason})
	}
	return rules, nil
}
