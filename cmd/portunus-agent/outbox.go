package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	deliverystore "github.com/BrandonDHaskell/Portunus/presence/internal/delivery/sqlitestore"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the delivery outbox",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending or dead-lettered deliveries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		conn, writer, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer writer.Close()

		engine := delivery.New(deliverystore.New(conn, writer), nil, delivery.WithLogger(newLogger(cfg)))

		dead, _ := cmd.Flags().GetBool("dead")
		limit, _ := cmd.Flags().GetInt("limit")
		var tasks []delivery.Task
		if dead {
			tasks, err = engine.DeadLetters(cmd.Context(), limit)
		} else {
			tasks, err = engine.Pending(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tEVENT\tSESSION\tATTEMPT\tNEXT\tLAST ERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				t.IdempotencyKey, t.EventType, t.SessionKey, t.Attempt,
				t.NextAttemptAt.Local().Format(time.DateTime), t.LastError)
		}
		return w.Flush()
	},
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue KEY...",
	Short: "Return dead-lettered deliveries to the pending queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		conn, writer, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer writer.Close()

		engine := delivery.New(deliverystore.New(conn, writer), nil, delivery.WithLogger(newLogger(cfg)))

		var failed []error
		for _, key := range args {
			if err := engine.Requeue(cmd.Context(), key); err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", key, err))
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), "requeued", key)
		}
		return errors.Join(failed...)
	},
}

func init() {
	outboxListCmd.Flags().Bool("dead", false, "list dead letters instead of pending tasks")
	outboxListCmd.Flags().Int("limit", 50, "maximum rows to show")
	outboxCmd.AddCommand(outboxListCmd, outboxRequeueCmd)
	rootCmd.AddCommand(outboxCmd)
}
