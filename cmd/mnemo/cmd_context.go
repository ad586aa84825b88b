package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/frames"
	"mnemo/internal/types"
)

func addContextCommands(root *cobra.Command) {
	contextCmd := &cobra.Command{
		Use:   "context",
		Short: "Manage the active context frame",
	}

	var (
		setLocation string
		setPeople   []string
		setActivity string
		setProject  string
		setTags     []string
		setLifetime time.Duration
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Install a new active frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			f, err := eng.SetContext(userID, frames.Input{
				Location: setLocation,
				People:   setPeople,
				Activity: setActivity,
				Project:  setProject,
				Tags:     setTags,
				Lifetime: setLifetime,
			})
			if err != nil {
				return err
			}
			return printJSON(f)
		},
	}
	setCmd.Flags().StringVar(&setLocation, "location", "", "where")
	setCmd.Flags().StringSliceVar(&setPeople, "with", nil, "who (person names)")
	setCmd.Flags().StringVar(&setActivity, "activity", "", "doing what")
	setCmd.Flags().StringVar(&setProject, "project", "", "project name")
	setCmd.Flags().StringSliceVar(&setTags, "tag", nil, "tags")
	setCmd.Flags().DurationVar(&setLifetime, "for", 0, "frame lifetime (default 4h)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Close the active frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.ClearContext(userID); err != nil {
				return err
			}
			fmt.Println("context cleared")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			f, err := eng.ActiveContext(userID)
			if err != nil {
				return err
			}
			if f == nil {
				fmt.Println("no active context")
				return nil
			}
			return printJSON(f)
		},
	}
	contextCmd.AddCommand(setCmd, clearCmd, showCmd)

	loopsCmd := &cobra.Command{
		Use:   "loops",
		Short: "Manage open commitments",
	}

	var loopState string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List loops, soonest due first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			ls, err := eng.ListLoops(userID, types.LoopState(loopState), "")
			if err != nil {
				return err
			}
			return printJSON(ls)
		},
	}
	listCmd.Flags().StringVar(&loopState, "state", "", "open (default) | done | expired | cancelled")

	var closeState string
	closeCmd := &cobra.Command{
		Use:   "close <loop-id>",
		Short: "Close a loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			l, err := eng.CloseLoop(userID, args[0], types.LoopState(closeState))
			if err != nil {
				return err
			}
			return printJSON(l)
		},
	}
	closeCmd.Flags().StringVar(&closeState, "as", "done", "done | cancelled")
	loopsCmd.AddCommand(listCmd, closeCmd)

	briefingCmd := &cobra.Command{
		Use:   "briefing <person-id>",
		Short: "Everything known about one person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			b, err := eng.GetBriefing(userID, args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}

	root.AddCommand(contextCmd, loopsCmd, briefingCmd)
}
