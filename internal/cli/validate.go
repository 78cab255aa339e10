package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/statecore/internal/value"
)

// ValidateSummary is the success payload of the validate command.
type ValidateSummary struct {
	Config      string   `json:"config"`
	Schema      string   `json:"schema"`
	PersistKeys []string `json:"persist_keys"`
	StateFile   string   `json:"state_file,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [state.json]",
		Short: "Check the config, the schema and optionally a state file",
		Long: `Load the config file and compile the state schema. When a JSON file is
given it is checked against the schema the way persisted state is checked
before hydration.

Examples:
  statecore validate
  statecore validate --config ./statecore.yaml ./exported-state.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	sc, err := loadSchema(cfg.Schema)
	if err != nil {
		return out.Fail(ExitFailure, CodeInvalid, "schema does not compile", err)
	}

	summary := ValidateSummary{
		Config:      opts.ConfigPath,
		Schema:      cfg.Schema,
		PersistKeys: sc.PersistKeys(),
	}
	if summary.Config == "" {
		summary.Config = "default"
	}
	if summary.Schema == "" {
		summary.Schema = "built-in"
	}
	if len(cfg.Persistence.Keys) > 0 {
		summary.PersistKeys = cfg.Persistence.Keys
	}

	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return out.Fail(ExitCommandError, CodeStorage, "failed to read state file", err)
		}
		obj, err := value.ParseObject(data)
		if err != nil {
			return out.Fail(ExitFailure, CodeInvalid, "state file is not a JSON object", err)
		}
		if err := sc.Validate(obj); err != nil {
			return out.Fail(ExitFailure, CodeInvalid, "state file rejected by schema", err)
		}
		summary.StateFile = args[0]
	}

	if opts.Format == "json" {
		return out.Success(summary)
	}
	out.VerboseLog("schema: %s, persisted: %v", summary.Schema, summary.PersistKeys)
	return out.Success("✓ valid")
}
