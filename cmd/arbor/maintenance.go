package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/arbor/pkg/engine"
	"github.com/go-go-golems/arbor/pkg/store"
)

func newSearchCmd() *cobra.Command {
	var conversationID string
	var limit int

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Full-text search over message texts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			var hits []store.SearchHit
			err = a.Engine.CallInto(cmd.Context(), engine.MethodSearchMessages,
				store.SearchParams{Query: args[0], ConversationID: conversationID, Limit: limit}, &hits)
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("%s\t%s\t%s\n", h.ConversationID, h.BranchID, h.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "restrict to one conversation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of hits")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check storage engine health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			var h store.HealthResult
			if err := a.Engine.CallInto(cmd.Context(), engine.MethodHealthCheck, struct{}{}, &h); err != nil {
				return err
			}
			fmt.Printf("ok: %v\nfts: %v\n", h.OK, h.FTSEnabled)
			return nil
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Checkpoint, optimize and vacuum the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			var res store.CompactResult
			if err := a.Engine.CallInto(cmd.Context(), engine.MethodMaintenanceCompact, struct{}{}, &res); err != nil {
				return err
			}
			fmt.Printf("compacted in %dms\n", res.DurationMs)
			return nil
		},
	}
}
