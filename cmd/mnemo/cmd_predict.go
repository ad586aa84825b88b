package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func addPredictCommands(root *cobra.Command) {
	predictCmd := &cobra.Command{
		Use:   "predict",
		Short: "Show the detected temporal pattern and the next peak's reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			p, err := eng.GetPredictions(userID)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}

	anticipateCmd := &cobra.Command{
		Use:   "anticipate",
		Short: "Warm the cache for the upcoming predicted access window",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			preds, err := eng.Anticipate(userID)
			if err != nil {
				return err
			}
			if len(preds) == 0 {
				fmt.Println("no peak within the prefetch lead")
				return nil
			}
			return printJSON(preds)
		},
	}

	var relevantLimit int
	relevantCmd := &cobra.Command{
		Use:   "relevant",
		Short: "What matters right now, from the active context",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			out, err := eng.WhatsRelevant(context.Background(), userID, relevantLimit)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	relevantCmd.Flags().IntVarP(&relevantLimit, "limit", "n", 10, "result limit")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Per-collection row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			stats, err := eng.Stats()
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}

	root.AddCommand(predictCmd, anticipateCmd, relevantCmd, statsCmd)
}
