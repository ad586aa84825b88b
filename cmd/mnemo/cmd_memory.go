package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/engine"
)

func addMemoryCommands(root *cobra.Command) {
	var (
		storeHints []string
		storeTags  []string
	)
	storeCmd := &cobra.Command{
		Use:   "store <text>",
		Short: "Ingest one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			res, err := eng.StoreMemory(context.Background(), engine.StoreInput{
				UserID: userID,
				Text:   args[0],
				Hints:  storeHints,
				Tags:   storeTags,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	storeCmd.Flags().StringSliceVar(&storeHints, "hint", nil, "retrieval hints (e.g. hot)")
	storeCmd.Flags().StringSliceVar(&storeTags, "tag", nil, "tags")

	var recallLimit int
	recallCmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Retrieve memories; no query returns the most salient",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			var query string
			if len(args) > 0 {
				query = args[0]
			}
			res, err := eng.Recall(context.Background(), engine.RecallInput{
				UserID: userID,
				Query:  query,
				Limit:  recallLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 10, "result limit")

	var forgetMode string
	forgetCmd := &cobra.Command{
		Use:   "forget <memory-id>",
		Short: "Suppress, archive or delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.Forget(userID, args[0], engine.ForgetMode(forgetMode)); err != nil {
				return err
			}
			fmt.Printf("%s %sd\n", args[0], forgetMode)
			return nil
		},
	}
	forgetCmd.Flags().StringVar(&forgetMode, "mode", "suppress", "suppress | archive | delete")

	restoreCmd := &cobra.Command{
		Use:   "restore <memory-id>",
		Short: "Return a forgotten memory to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			m, err := eng.Restore(userID, args[0])
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}

	var exportSince string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write canonical NDJSON memory records to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			var since time.Time
			if exportSince != "" {
				since, err = time.Parse(time.RFC3339, exportSince)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
			}
			n, err := eng.Export(os.Stdout, userID, since)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "exported %d records\n", n)
			return nil
		},
	}
	exportCmd.Flags().StringVar(&exportSince, "since", "", "only records created at or after this RFC3339 time")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Read canonical NDJSON memory records from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			inserted, skipped, err := eng.Import(os.Stdin)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "imported %d records, %d already present\n", inserted, skipped)
			return nil
		},
	}

	root.AddCommand(storeCmd, recallCmd, forgetCmd, restoreCmd, exportCmd, importCmd)
}
