package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-health/vitals-cli/internal/model"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Re-run primary resolution over a time range",
	Long: `Recomputes the primary flag for every bucket in the range. Run this
after changing source preferences or connecting a new source; resolution
is idempotent, so rerunning is always safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		category, _ := cmd.Flags().GetString("category")
		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")

		cat := model.Category(category)
		if !cat.Valid() {
			return eris.Errorf("cmd: unknown category %q", category)
		}

		to := time.Now()
		if toFlag != "" {
			var err error
			to, err = time.Parse(time.RFC3339, toFlag)
			if err != nil {
				return eris.Wrapf(err, "cmd: parse --to %q", toFlag)
			}
		}
		from := to.AddDate(0, 0, -7)
		if fromFlag != "" {
			var err error
			from, err = time.Parse(time.RFC3339, fromFlag)
			if err != nil {
				return eris.Wrapf(err, "cmd: parse --from %q", fromFlag)
			}
		}

		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.resolver.ResolveRange(ctx, userID, cat, from, to); err != nil {
			return err
		}
		fmt.Printf("Resolved %s for %s from %s to %s\n",
			cat, userID, from.Format(time.RFC3339), to.Format(time.RFC3339))
		return nil
	},
}

func init() {
	resolveCmd.Flags().String("user", "", "user to resolve")
	resolveCmd.Flags().String("category", "", "health category (activity, sleep, nutrition, body_composition, heart_health)")
	resolveCmd.Flags().String("from", "", "RFC3339 range start (default: 7 days before --to)")
	resolveCmd.Flags().String("to", "", "RFC3339 range end (default: now)")
	_ = resolveCmd.MarkFlagRequired("user")
	_ = resolveCmd.MarkFlagRequired("category")
	rootCmd.AddCommand(resolveCmd)
}
