package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/pricing"
	"github.com/ent0n29/voicerelay/internal/storage"
)

func init() {
	pricingCmd.AddCommand(pricingListCmd)
	rootCmd.AddCommand(pricingCmd)
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Inspect the model pricing table",
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the pricing table as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		repo := storage.Open(cmd.Context(), cfg.DatabaseURL, logger)
		defer repo.Close()

		prices := pricing.NewTable(repo)
		if err := prices.Reload(cmd.Context()); err != nil {
			logger.Warn("pricing reload failed, showing built-in prices", "error", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(prices.Entries())
	},
}
