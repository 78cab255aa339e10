package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statecore/internal/clock"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/store"
	"github.com/roach88/statecore/internal/value"
)

// NewStateCommand creates the state command group, which reads and edits
// the persisted subset without starting the runtime.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit persisted state",
		Long: `Inspect and edit the persisted subset of the state tree.

Reads see the defaults overlaid with whatever the configured backend holds.
Writes are limited to persisted paths and are validated against the schema
before they are saved.`,
	}
	cmd.AddCommand(newStateGetCommand(rootOpts))
	cmd.AddCommand(newStateSetCommand(rootOpts))
	cmd.AddCommand(newStateResetCommand(rootOpts))
	return cmd
}

func newStateGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [path]",
		Short: "Print the value at path, or the whole persisted subset",
		Example: `  statecore state get
  statecore state get preferences.theme --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(opts, cmd, func(c *core, out *OutputFormatter) error {
				if len(args) == 0 {
					return out.Success(value.Value(c.store.PersistedState()))
				}
				if _, err := statepath.Parse(args[0]); err != nil {
					return out.Fail(ExitCommandError, CodePath, "invalid path", err)
				}
				return out.Success(c.store.Get(args[0]))
			})
		},
	}
}

func newStateSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Write a persisted value",
		Long: `Write a value at a persisted path. The value is parsed as JSON; anything
that is not valid JSON is stored as a string.`,
		Example: `  statecore state set preferences.theme dark
  statecore state set preferences.pageSize 50
  statecore state set ui.filters '{"team":"home"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(opts, cmd, func(c *core, out *OutputFormatter) error {
				path, err := statepath.Parse(args[0])
				if err != nil {
					return out.Fail(ExitCommandError, CodePath, "invalid path", err)
				}
				if !c.persisted(path) {
					return out.Fail(ExitCommandError, CodePath,
						fmt.Sprintf("%s is not a persisted path", path), nil)
				}
				v := parseArg(args[1])
				if err := c.store.Set(path.String(), v, store.WithType("cli")); err != nil {
					return out.Fail(ExitCommandError, CodePath, "write failed", err)
				}
				c.sched.Flush()
				if err := c.schema.Validate(c.store.PersistedState()); err != nil {
					return out.Fail(ExitFailure, CodeInvalid, "value rejected by schema", err)
				}
				if err := c.store.FlushPersistence(cmd.Context()); err != nil {
					return out.Fail(ExitCommandError, CodeStorage, "save failed", err)
				}
				out.VerboseLog("saved %s", path)
				return out.Success(c.store.Get(path.String()))
			})
		},
	}
}

func newStateResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reset",
		Short:         "Restore persisted state to the schema defaults",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(opts, cmd, func(c *core, out *OutputFormatter) error {
				c.store.Reset()
				c.sched.Flush()
				if err := c.store.FlushPersistence(cmd.Context()); err != nil {
					return out.Fail(ExitCommandError, CodeStorage, "save failed", err)
				}
				return out.Success(value.Value(c.store.PersistedState()))
			})
		},
	}
}

// withCore hydrates a one-shot store, runs fn and closes the backend.
// Update passes run only when fn flushes.
func withCore(opts *RootOptions, cmd *cobra.Command, fn func(*core, *OutputFormatter) error) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	logger := opts.logger(cmd.ErrOrStderr())

	c, err := newCore(cfg, reactive.NewManualDriver(clock.Real{}), logger)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open state", err)
	}
	defer func() {
		if cerr := c.closeFn(); cerr != nil {
			logger.Error("close storage", "error", cerr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
		cmd.SetContext(ctx)
	}
	if err := c.store.Hydrate(ctx); err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to load persisted state", err)
	}
	c.sched.Flush()
	return fn(c, out)
}

// parseArg reads a command-line value as JSON, falling back to a string.
func parseArg(s string) value.Value {
	if v, err := value.Parse([]byte(s)); err == nil {
		return v
	}
	return value.String(s)
}
