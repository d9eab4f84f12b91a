package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/mcphub/mcphub/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured upstream servers",
	Long: `Print the upstream servers defined in the hub's configuration file,
along with their transport kind and activation policy.

This reads the config on disk; it does not query a running hub process.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("SERVER"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("TRANSPORT"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("ACTIVATION"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("DISABLED"),
	})

	for _, sc := range cfg.Servers {
		disabled := ""
		if sc.Disabled {
			disabled = text.Colors{text.FgHiYellow}.Sprint("yes")
		}
		t.AppendRow(table.Row{
			text.Colors{text.FgHiGreen, text.Bold}.Sprint(sc.ID),
			sc.Transport,
			sc.ActivationPolicy,
			disabled,
		})
	}

	if len(cfg.Servers) == 0 {
		fmt.Fprintln(os.Stderr, "no servers configured")
		return nil
	}

	t.Render()
	return nil
}
