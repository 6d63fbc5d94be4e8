package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newEnqueueCommand(g *globals) *cobra.Command {
	var track bool
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <class> [json-args]",
		Short: "Push a job and print its id",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobArgs map[string]interface{}
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &jobArgs); err != nil {
					return fmt.Errorf("job arguments must be a JSON object: %w", err)
				}
			}

			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			id, err := e.Client().Enqueue(ctx, args[0], args[1], jobArgs, track)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&track, "track", false, "create a status record for the job")
	return cmd
}

func newFailedCommand(g *globals) *cobra.Command {
	var (
		trim     int64
		clearAll bool
		limit    int64
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List or prune the failed job list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			failures := e.Failures()
			switch {
			case clearAll:
				return failures.Clear(ctx)
			case cmd.Flags().Changed("trim"):
				return failures.Trim(ctx, trim)
			}

			records, err := failures.All(ctx, 0, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&trim, "trim", 0, "keep only the newest N failures")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete every failure")
	cmd.Flags().Int64Var(&limit, "limit", 20, "number of failures to print")
	return cmd
}

func newQueuesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Print each known queue and its size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			client := e.Client()
			queues, err := client.Queues(ctx)
			if err != nil {
				return err
			}
			for _, q := range queues {
				size, err := client.Size(ctx, q)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", q, strconv.FormatInt(size, 10))
			}
			return nil
		},
	}
}

func newWorkersCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Print registered workers and what they are working on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			workers, err := e.Client().Workers(ctx)
			if err != nil {
				return err
			}
			for _, w := range workers {
				current := "idle"
				on, err := w.Job(ctx)
				if err != nil {
					return err
				}
				if on != nil {
					current = on.Queue + " " + on.Payload.Class
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", w.ID(), current)
			}
			return nil
		},
	}
}
