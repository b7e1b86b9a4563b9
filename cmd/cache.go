package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/backflow"
	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
	"github.com/sells-group/companyid/internal/override"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the enrichment cache",
}

var cacheMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the cache and pending queue tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("cache migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var cacheStatsJSON bool

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-type cache entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.CacheStats(cmd.Context())
		if err != nil {
			return err
		}

		if cacheStatsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return eris.Wrap(enc.Encode(stats), "encode stats")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tENTRIES\tHITS\tAVG CONFIDENCE")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\n", s.LookupType, s.Entries, s.TotalHits, s.AvgConfidence)
		}
		return w.Flush()
	},
}

var (
	importColumns    map[string]string
	importIDColumn   string
	importConfidence float64
	importDomain     string
	importTable      string
)

var cacheImportCmd = &cobra.Command{
	Use:   "import <mappings.csv|mappings.xlsx>",
	Short: "Import legacy alias mappings into the cache as source migrated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := parseColumns(importColumns)
		if err != nil {
			return err
		}
		res, err := runLearn(cmd, args[0], backflow.LearnSpec{
			Columns:         cols,
			CompanyIDColumn: importIDColumn,
			Confidence:      importConfidence,
			Origin:          backflow.Origin{Domain: importDomain, Table: importTable},
			Source:          model.SourceMigrated,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var cacheSeedOverridesCmd = &cobra.Command{
	Use:   "seed-overrides",
	Short: "Copy the override table into the cache as source override",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		if cfg.Overrides.Path == "" {
			return eris.New("overrides.path is not configured")
		}
		tbl, err := override.Load(cfg.Overrides.Path, newNormalizer(cfg.Normalize))
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := backflow.NewWriter(st).Write(cmd.Context(), tbl.Records(time.Now().UTC()))
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

// parseColumns turns --column type=column pairs into lookup columns.
func parseColumns(pairs map[string]string) (normalize.Columns, error) {
	if len(pairs) == 0 {
		return nil, eris.New("at least one --column type=column is required")
	}
	cols := make(normalize.Columns, len(pairs))
	for name, col := range pairs {
		lt, err := model.ParseLookupType(name)
		if err != nil {
			return nil, err
		}
		if lt == model.LookupPlanCustomer {
			return nil, eris.New("plan_customer is built from the plan_code and customer_name columns")
		}
		cols[lt] = col
	}
	return cols, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheStatsJSON, "json", false, "print JSON instead of a table")

	cacheImportCmd.Flags().StringToStringVar(&importColumns, "column", nil, "lookup type to input column, e.g. plan_code=PLAN (repeatable)")
	cacheImportCmd.Flags().StringVar(&importIDColumn, "id-column", "company_id", "column carrying the company id")
	cacheImportCmd.Flags().Float64Var(&importConfidence, "confidence", 1.0, "confidence stored for imported mappings")
	cacheImportCmd.Flags().StringVar(&importDomain, "domain", "", "source_domain recorded on imported mappings")
	cacheImportCmd.Flags().StringVar(&importTable, "table", "", "source_table recorded on imported mappings")

	cacheCmd.AddCommand(cacheMigrateCmd, cacheStatsCmd, cacheImportCmd, cacheSeedOverridesCmd)
	rootCmd.AddCommand(cacheCmd)
}
