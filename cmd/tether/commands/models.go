package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	modelsAll    bool
	probeTimeout time.Duration
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models",
	Long: `List the active backend's models, or every backend's with --all.

Examples:
  tether models
  tether models --all --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		models := rt.router.Models(modelsAll)
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), models)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BACKEND\tID\tLABEL\tCONTEXT")
		for _, m := range models {
			ctxWin := "-"
			if m.ContextWindow > 0 {
				ctxWin = fmt.Sprintf("%dk", m.ContextWindow/1000)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Backend, m.ID, m.Label, ctxWin)
		}
		return w.Flush()
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Inspect the Claude CLI",
	Long: `Start a throwaway Claude CLI session, read its handshake metadata
(model, tools, slash commands, models) and exit. Every tool call is denied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, probeTimeout)
		defer cancelTimeout()

		// Each invocation owns a fresh adapter, so there is nothing cached.
		res, err := rt.router.Probe(ctx, true)
		if err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), res)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Model:          %s\n", res.Model)
		fmt.Fprintf(out, "Tools:          %d\n", len(res.Tools))
		for _, t := range res.Tools {
			fmt.Fprintf(out, "  %s\n", t)
		}
		fmt.Fprintf(out, "Slash commands: %d\n", len(res.SlashCommands)+len(res.Commands))
		for _, c := range append(res.SlashCommands, res.Commands...) {
			fmt.Fprintf(out, "  /%s\n", c)
		}
		if len(res.Models) > 0 {
			fmt.Fprintf(out, "Models:         %d\n", len(res.Models))
			for _, m := range res.Models {
				fmt.Fprintf(out, "  %s\t%s\n", m.ID, m.Label)
			}
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsAll, "all", false, "list every backend's models")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 90*time.Second, "give up after this long")
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(probeCmd)
}
