package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/batchio"
	"github.com/sells-group/companyid/internal/waterfall"
)

var (
	resolveOutput   string
	resolveStrategy string
	resolveStats    string
	resolveNoReg    bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <input.csv|input.xlsx>",
	Short: "Resolve company IDs for a batch file",
	Long:  "Reads a CSV or XLSX batch, runs the resolution waterfall and writes the rows with the output column set as CSV.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if resolveStrategy != "" {
			cfg.Resolver.StrategyPath = resolveStrategy
		}
		env, err := initResolver(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		strategy := env.Strategy
		if resolveNoReg {
			strategy.EnableRegistry = false
		}

		tbl, err := batchio.ReadFile(ctx, args[0])
		if err != nil {
			return err
		}

		resolver, _ := env.NewResolver()
		res, err := resolver.Resolve(ctx, tbl.Rows, strategy)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if resolveOutput != "" && resolveOutput != "-" {
			f, err := os.Create(resolveOutput)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		if err := batchio.WriteCSV(out, tbl.Header, res.Rows, strategy.OutputColumn); err != nil {
			return err
		}

		return writeStats(cmd, res)
	},
}

// writeStats writes the batch statistics as JSON to --stats, or to stderr
// when the rows went to stdout.
func writeStats(cmd *cobra.Command, res *waterfall.BatchResult) error {
	summary := struct {
		BatchID string               `json:"batch_id"`
		Stats   waterfall.Statistics `json:"statistics"`
	}{res.BatchID, res.Stats}

	var w io.Writer = cmd.ErrOrStderr()
	if resolveStats != "" {
		f, err := os.Create(resolveStats)
		if err != nil {
			return eris.Wrap(err, "create stats file")
		}
		defer f.Close() //nolint:errcheck
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return eris.Wrap(err, "write stats")
	}

	zap.L().Info("resolve complete",
		zap.String("batch_id", res.BatchID),
		zap.Int("rows", res.Stats.Rows),
		zap.Int("resolved", res.Stats.Resolved()),
		zap.Int("unresolved", res.Stats.Unresolved),
	)
	return nil
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveOutput, "output", "o", "", "output CSV path (default stdout)")
	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "", "strategy YAML file (overrides resolver config)")
	resolveCmd.Flags().StringVar(&resolveStats, "stats", "", "write statistics JSON to this path (default stderr)")
	resolveCmd.Flags().BoolVar(&resolveNoReg, "no-registry", false, "skip the external registry tier")
	rootCmd.AddCommand(resolveCmd)
}
