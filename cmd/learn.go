package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/companyid/internal/backflow"
	"github.com/sells-group/companyid/internal/batchio"
)

var (
	learnIDColumn string
	learnConf     float64
	learnDomain   string
	learnTable    string
)

var learnCmd = &cobra.Command{
	Use:   "learn <history.csv|history.xlsx>",
	Short: "Seed the cache from historical rows that already carry company ids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, err := buildStrategy(cfg.Resolver, cfg.Registry)
		if err != nil {
			return err
		}
		idCol := learnIDColumn
		if idCol == "" {
			idCol = strategy.ExistingIDColumn
		}
		domain, table := learnDomain, learnTable
		if domain == "" {
			domain = strategy.SourceDomain
		}
		if table == "" {
			table = strategy.SourceTable
		}

		res, err := runLearn(cmd, args[0], backflow.LearnSpec{
			Columns:         strategy.Columns(),
			CompanyIDColumn: idCol,
			Confidence:      learnConf,
			Origin:          backflow.Origin{Domain: domain, Table: table},
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

// runLearn reads a batch file and runs one learning pass against the store.
func runLearn(cmd *cobra.Command, path string, opts backflow.LearnSpec) (*backflow.LearnResult, error) {
	ctx := cmd.Context()
	if err := cfg.Validate("learn"); err != nil {
		return nil, err
	}

	tbl, err := batchio.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	learner := backflow.NewLearner(newNormalizer(cfg.Normalize), backflow.NewWriter(st))
	return learner.Learn(ctx, tbl.Rows, opts)
}

func init() {
	learnCmd.Flags().StringVar(&learnIDColumn, "id-column", "", "column carrying the company id (default resolver.existing_id_column)")
	learnCmd.Flags().Float64Var(&learnConf, "confidence", backflow.DefaultLearnedConfidence, "confidence stored for learned mappings")
	learnCmd.Flags().StringVar(&learnDomain, "domain", "", "source_domain recorded on learned mappings")
	learnCmd.Flags().StringVar(&learnTable, "table", "", "source_table recorded on learned mappings")
	rootCmd.AddCommand(learnCmd)
}
