package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zenin797/SunoTherapist/app"
	"github.com/Zenin797/SunoTherapist/llm"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML (secrets masked)",
		Run:   runConfig,
	}

	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Print the configured model as provider/name",
		Run:   runModel,
	}

	idCmd := &cobra.Command{
		Use:       "id [user|thread]",
		Short:     "Generate a new user or thread id",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"user", "thread"},
		Run:       runID,
	}

	RootCmd.AddCommand(configCmd, modelCmd, idCmd)
}

func runConfig(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	out, err := cfg.YAML()
	if err != nil {
		exitErr("render config", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
}

func runModel(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	model, err := llm.New(cfg.LLM())
	if err != nil {
		exitErr("model", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), llm.Describe(cfg.LLM(), model))
}

func runID(cmd *cobra.Command, args []string) {
	switch args[0] {
	case "user":
		fmt.Fprintln(cmd.OutOrStdout(), app.NewUserID())
	case "thread":
		fmt.Fprintln(cmd.OutOrStdout(), app.NewThreadID())
	default:
		exitErr("id", fmt.Errorf("unknown id type %q (want user or thread)", args[0]))
	}
}
