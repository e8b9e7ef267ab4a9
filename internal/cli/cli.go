package cli

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vk/calcflowgo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

type rootFlags struct {
	settingsPath string
	logLevel     string
	logFormat    string
}

func (rf *rootFlags) validate() error {
	rf.logFormat = strings.ToLower(rf.logFormat)
	if rf.logFormat != "" && rf.logFormat != "text" && rf.logFormat != "json" {
		return &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	rf.logLevel = strings.ToLower(rf.logLevel)
	switch rf.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	return nil
}

func (rf *rootFlags) newApp(outW io.Writer, kill bool) (*app.App, error) {
	a, err := app.NewApp(outW, app.Config{
		SettingsPath: rf.settingsPath,
		LogLevel:     rf.logLevel,
		LogFormat:    rf.logFormat,
		KillOnCancel: kill,
	})
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return a, nil
}

// NewRootCommand builds the calcflow command tree. Output of every
// subcommand goes to outW so the tree is testable in isolation.
func NewRootCommand(outW io.Writer) *cobra.Command {
	rf := &rootFlags{}

	root := &cobra.Command{
		Use:           "calcflow",
		Short:         "Drive long-running dependent computations through a cluster queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rf.validate()
		},
	}
	root.SetOut(outW)

	pf := root.PersistentFlags()
	pf.StringVar(&rf.settingsPath, "settings", "", "Path to the YAML settings file. Defaults apply when empty.")
	pf.StringVar(&rf.logLevel, "log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&rf.logFormat, "log-format", "", "Log output format. Options: 'text' or 'json'.")

	root.AddCommand(
		newStartCommand(outW, rf),
		newResumeCommand(outW, rf),
		newCancelCommand(outW, rf),
		newStatusCommand(outW, rf),
		newValidateCommand(outW, rf),
	)
	return root
}

func newStartCommand(outW io.Writer, rf *rootFlags) *cobra.Command {
	var kill bool
	cmd := &cobra.Command{
		Use:   "start DEFINITION",
		Short: "Build a flow from its definition and drive it to completion.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Debug("Start command invoked.", "definition", args[0])
			a, err := rf.newApp(outW, kill)
			if err != nil {
				return err
			}
			return a.StartFlow(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&kill, "kill-on-interrupt", false, "Cancel outstanding jobs when the loop is interrupted.")
	return cmd
}

func newResumeCommand(outW io.Writer, rf *rootFlags) *cobra.Command {
	var kill bool
	cmd := &cobra.Command{
		Use:   "resume WORKDIR",
		Short: "Reconstruct a flow from its persisted state and continue driving it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Debug("Resume command invoked.", "workdir", args[0])
			a, err := rf.newApp(outW, kill)
			if err != nil {
				return err
			}
			return a.ResumeFlow(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&kill, "kill-on-interrupt", false, "Cancel outstanding jobs when the loop is interrupted.")
	return cmd
}

func newCancelCommand(outW io.Writer, rf *rootFlags) *cobra.Command {
	var kill bool
	cmd := &cobra.Command{
		Use:   "cancel WORKDIR",
		Short: "Mark a persisted flow as cancelled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.newApp(outW, false)
			if err != nil {
				return err
			}
			return a.CancelFlow(cmd.Context(), args[0], kill)
		},
	}
	cmd.Flags().BoolVar(&kill, "kill", false, "Also cancel outstanding jobs on the queue.")
	return cmd
}

func newStatusCommand(outW io.Writer, rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status WORKDIR",
		Short: "Report the persisted state of every task in a flow.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.newApp(outW, false)
			if err != nil {
				return err
			}
			return a.FlowStatus(cmd.Context(), args[0])
		},
	}
}

func newValidateCommand(outW io.Writer, rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate DEFINITION",
		Short: "Parse and build a flow definition without submitting anything.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.newApp(outW, false)
			if err != nil {
				return err
			}
			return a.ValidateFlow(cmd.Context(), args[0])
		},
	}
}

// Run executes the command tree against args. It exists so tests and main
// share the same entrypoint.
func Run(ctx context.Context, outW io.Writer, args []string) error {
	root := NewRootCommand(outW)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
