package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-health/vitals-cli/internal/model"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage a user's connected sources and preferences",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sources, configured, err := st.ConnectedSources(ctx, userID)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			if configured {
				fmt.Fprintln(os.Stderr, "All sources disconnected.")
			} else {
				fmt.Fprintln(os.Stderr, "No connected sources.")
			}
			return nil
		}
		for _, s := range sources {
			fmt.Println(s)
		}
		return nil
	},
}

var sourcesConnectCmd = &cobra.Command{
	Use:   "connect <source>...",
	Short: "Mark sources as connected",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpsertConnections(ctx, userID, args); err != nil {
			return err
		}
		fmt.Printf("Connected %s for %s\n", strings.Join(args, ", "), userID)
		return nil
	},
}

var sourcesDisconnectCmd = &cobra.Command{
	Use:   "disconnect <source>",
	Short: "Mark a source as disconnected",
	Long: `Disconnecting removes the source from resolution; its records stay
in the store and regain eligibility if it reconnects.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DisconnectSource(ctx, userID, args[0]); err != nil {
			return err
		}
		fmt.Printf("Disconnected %s for %s\n", args[0], userID)
		return nil
	},
}

var sourcesPreferCmd = &cobra.Command{
	Use:   "prefer",
	Short: "Set the user's conflict policy and per-category ranking",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		policy, _ := cmd.Flags().GetString("policy")
		category, _ := cmd.Flags().GetString("category")
		ranking, _ := cmd.Flags().GetString("ranking")

		pol := model.ConflictPolicy(policy)
		if !pol.Valid() {
			return eris.Errorf("cmd: unknown conflict policy %q", policy)
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		pref, err := st.GetPreference(ctx, userID)
		if err != nil {
			return err
		}
		if pref == nil {
			pref = &model.SourcePreference{
				UserID:   userID,
				Rankings: map[model.Category][]string{},
			}
		}
		pref.Policy = pol

		if category != "" {
			cat := model.Category(category)
			if !cat.Valid() {
				return eris.Errorf("cmd: unknown category %q", category)
			}
			if pref.Rankings == nil {
				pref.Rankings = map[model.Category][]string{}
			}
			pref.Rankings[cat] = strings.Split(ranking, ",")
		}

		if err := st.PutPreference(ctx, *pref); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pref, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sourcesListCmd, sourcesConnectCmd, sourcesDisconnectCmd, sourcesPreferCmd} {
		c.Flags().String("user", "", "user the sources belong to")
		_ = c.MarkFlagRequired("user")
	}
	sourcesPreferCmd.Flags().String("policy", "prefer_highest_quality", "conflict policy: prefer_primary, prefer_highest_quality, or average")
	sourcesPreferCmd.Flags().String("category", "", "category the ranking applies to")
	sourcesPreferCmd.Flags().String("ranking", "", "comma-separated source names, most preferred first")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesConnectCmd, sourcesDisconnectCmd, sourcesPreferCmd)
	rootCmd.AddCommand(sourcesCmd)
}
