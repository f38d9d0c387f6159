// sessionqctl is the operations CLI for the sessionq runtime: it inspects
// and replays dead-letter records and checks configuration before deploys.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/sessionq-go/config"
	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/deadletter"
	"github.com/glimte/sessionq-go/internal/pebblestore"
	providersamqp "github.com/glimte/sessionq-go/providers/amqp"
	providerskafka "github.com/glimte/sessionq-go/providers/kafka"
	"github.com/glimte/sessionq-go/queue"
	"github.com/glimte/sessionq-go/router"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "sessionqctl",
		Short:         "sessionq operations CLI",
		Long:          "sessionqctl inspects and replays dead-letter records and validates sessionq configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var dataDir string
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter queue commands"}
	dlqCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "dead-letter store directory (defaults to SESSIONQ_DLQ_STORE_DIR)")
	rootCmd.AddCommand(dlqCmd)

	dlqCmd.AddCommand(newDlqListCmd(&dataDir))
	dlqCmd.AddCommand(newDlqStatsCmd(&dataDir))
	dlqCmd.AddCommand(newDlqRequeueCmd(&dataDir, logger))
	dlqCmd.AddCommand(newDlqCleanupCmd(&dataDir, logger))

	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	configCmd.AddCommand(newConfigCheckCmd())
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openStore opens the pebble dead-letter store, falling back to the
// configured directory when --data-dir was not given.
func openStore(dataDir string) (*pebblestore.Store, error) {
	if dataDir == "" {
		dataDir = os.Getenv("SESSIONQ_DLQ_STORE_DIR")
	}
	if dataDir == "" {
		return nil, errors.New("no store directory: pass --data-dir or set SESSIONQ_DLQ_STORE_DIR")
	}
	return pebblestore.Open(dataDir)
}

// openProvider dials the backend named by the environment config. Requeue
// must reach the real backend: the memory provider would silently drop the
// replayed messages at process exit, so it is refused.
func openProvider(ctx context.Context, logger *slog.Logger) (queue.Provider, *config.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Provider {
	case config.ProviderAMQP:
		prov, err := providersamqp.Open(ctx, cfg.AMQP.URL,
			providersamqp.WithLogger(logger),
			providersamqp.WithChannelPoolSize(cfg.AMQP.ChannelPoolSize),
			providersamqp.WithPrefetch(cfg.AMQP.PrefetchCount),
		)
		if err != nil {
			return nil, nil, err
		}
		return prov, cfg, nil
	case config.ProviderKafka:
		prov, err := providerskafka.Open(cfg.Kafka.Brokers,
			providerskafka.WithLogger(logger),
			providerskafka.WithGroupID(cfg.Kafka.GroupID),
		)
		if err != nil {
			return nil, nil, err
		}
		return prov, cfg, nil
	case config.ProviderMemory:
		return nil, nil, errors.New("requeue needs a durable backend; the memory provider would lose the messages (set SESSIONQ_PROVIDER to amqp or kafka)")
	}
	return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func newDlqListCmd(dataDir *string) *cobra.Command {
	var queueName, after string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records for an origin queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), queueName, deadletter.ListOptions{AfterID: after, Limit: limit})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tDELIVERIES\tSESSION\tDEAD-LETTERED\tERROR")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					rec.ID,
					rec.Failure.Kind,
					rec.DeliveryCount,
					rec.SessionKey,
					rec.Meta.DeadLetteredAt.Format(time.RFC3339),
					rec.Failure.Message,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "origin queue name")
	cmd.Flags().StringVar(&after, "after", "", "resume listing after this record id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to list (0 for all)")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func newDlqStatsCmd(dataDir *string) *cobra.Command {
	var queueName string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the dead-letter backlog for an origin queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			manager := deadletter.NewManager(nil, deadletter.WithStore(store))
			stats, err := manager.Stats(cmd.Context(), queueName)
			if err != nil {
				return err
			}
			fmt.Printf("queue:   %s\n", stats.Queue)
			fmt.Printf("total:   %d\n", stats.Total)
			fmt.Printf("expired: %d\n", stats.Expired)
			if stats.Total > 0 {
				fmt.Printf("oldest:  %s\n", stats.Oldest.Format(time.RFC3339))
				fmt.Printf("newest:  %s\n", stats.Newest.Format(time.RFC3339))
			}
			for kind, n := range stats.ByKind {
				fmt.Printf("  %-20s %d\n", kind, n)
			}
			hours := make([]time.Time, 0, len(stats.ByHour))
			for hour := range stats.ByHour {
				hours = append(hours, hour)
			}
			sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
			for _, hour := range hours {
				fmt.Printf("  %s  %d\n", hour.Format("2006-01-02 15:00"), stats.ByHour[hour])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "origin queue name")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func newDlqRequeueCmd(dataDir *string, logger *slog.Logger) *cobra.Command {
	var queueName, kindName string
	var ids []string
	var resetDeliveryCount bool
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Replay dead-letter records to their origin queue",
		Long: "Replay dead-letter records to their origin queue. With --id only the " +
			"named records are replayed, with --kind only records of that error kind, " +
			"otherwise the whole backlog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			provider, _, err := openProvider(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer provider.Close()

			manager := deadletter.NewManager(provider, deadletter.WithStore(store), deadletter.WithManagerLogger(logger))

			if len(ids) > 0 {
				for _, id := range ids {
					messageID, err := manager.Requeue(cmd.Context(), queueName, id, resetDeliveryCount)
					if err != nil {
						return fmt.Errorf("requeue %s: %w", id, err)
					}
					fmt.Printf("requeued %s as %s\n", id, messageID)
				}
				return nil
			}

			if kindName != "" {
				var kind contracts.ErrorKind
				if err := kind.UnmarshalText([]byte(kindName)); err != nil {
					return err
				}
				n, err := manager.RequeueMatching(cmd.Context(), queueName, func(rec deadletter.Record) bool {
					return rec.Failure.Kind == kind
				}, resetDeliveryCount)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d records of kind %s\n", n, kind)
				return nil
			}

			n, err := manager.RequeueAll(cmd.Context(), queueName, resetDeliveryCount)
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "origin queue name")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "record id to requeue (repeatable)")
	cmd.Flags().StringVar(&kindName, "kind", "", "requeue only records with this error kind")
	cmd.Flags().BoolVar(&resetDeliveryCount, "reset-delivery-count", false, "redeliver with delivery count reset to 1")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func newDlqCleanupCmd(dataDir *string, logger *slog.Logger) *cobra.Command {
	var queueName string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete dead-letter records past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			manager := deadletter.NewManager(nil, deadletter.WithStore(store), deadletter.WithManagerLogger(logger))
			n, err := manager.CleanupExpired(cmd.Context(), queueName)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "origin queue name")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var subscriptionsFile string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate environment config and a subscriptions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("environment config ok (provider %s)\n", cfg.Provider)

			path := subscriptionsFile
			if path == "" {
				path = cfg.Fanout.SubscriptionsFile
			}
			if path == "" {
				fmt.Println("no subscriptions file configured, skipping table check")
				return nil
			}
			subs, err := config.LoadSubscriptions(path)
			if err != nil {
				return err
			}
			table, err := router.NewTable(subs)
			if err != nil {
				return err
			}
			fmt.Printf("subscription table ok: %d patterns, %d target queues\n", table.Len(), len(table.Targets()))
			return nil
		},
	}
	cmd.Flags().StringVar(&subscriptionsFile, "subscriptions", "", "subscriptions file to validate (defaults to SESSIONQ_SUBSCRIPTIONS_FILE)")
	return cmd
}
