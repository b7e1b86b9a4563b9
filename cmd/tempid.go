package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/companyid/internal/tempid"
)

var tempidCmd = &cobra.Command{
	Use:   "tempid",
	Short: "Derive or inspect temp company identifiers",
}

var tempidDeriveCmd = &cobra.Command{
	Use:   "derive <name>...",
	Short: "Print the temp id for each raw customer name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, err := tempid.New(cfg.TempID.Secret)
		if err != nil {
			return err
		}
		norm := newNormalizer(cfg.Normalize)
		for _, raw := range args {
			name := norm.Name(raw)
			if name == "" {
				return eris.Errorf("name %q is empty after normalization", raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", gen.Derive(name), name, raw)
		}
		return nil
	},
}

var tempidCheckCmd = &cobra.Command{
	Use:   "check <id>...",
	Short: "Report whether each id is a temp id",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, id := range args {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%t\n", id, tempid.IsTemp(id))
		}
	},
}

func init() {
	tempidCmd.AddCommand(tempidDeriveCmd, tempidCheckCmd)
	rootCmd.AddCommand(tempidCmd)
}
