package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/baton-offline/pkg/config"
)

// DefineCommands builds the command tree of the sync engine. Every persistent flag is bound to
// v, so flags, BATON_OFFLINE_* variables and the config file all feed config.Load.
func DefineCommands(ctx context.Context, name string, version string, v *viper.Viper) (*cobra.Command, error) {
	mainCMD := &cobra.Command{
		Use:           name,
		Short:         "Offline-first sync engine for a REST backend",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	config.DefineFlags(mainCMD.PersistentFlags())

	mainCMD.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE:  MakeServeCommand(ctx, name, version, v),
	})
	mainCMD.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Probe connectivity and drain the queue once",
		Args:  cobra.NoArgs,
		RunE:  MakeDrainCommand(ctx, v),
	})
	mainCMD.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the engine status as JSON",
		Args:  cobra.NoArgs,
		RunE:  MakeStatusCommand(ctx, v),
	})

	queueCmd := &cobra.Command{Use: "queue", Short: "Inspect queued operations"}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations in drain order",
		Args:  cobra.NoArgs,
		RunE:  MakeQueueListCommand(ctx, v),
	})
	mainCMD.AddCommand(queueCmd)

	deadCmd := &cobra.Command{Use: "dead-letters", Short: "Inspect and replay dead-lettered operations"}
	deadCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List dead-lettered operations",
			Args:  cobra.NoArgs,
			RunE:  MakeDeadLettersListCommand(ctx, v),
		},
		&cobra.Command{
			Use:   "requeue <id>",
			Short: "Move a dead-lettered operation back into the queue",
			Args:  cobra.ExactArgs(1),
			RunE:  MakeDeadLettersRequeueCommand(ctx, v),
		},
		&cobra.Command{
			Use:   "purge",
			Short: "Delete every dead-lettered operation",
			Args:  cobra.NoArgs,
			RunE:  MakeDeadLettersPurgeCommand(ctx, v),
		},
	)
	mainCMD.AddCommand(deadCmd)

	conflictsCmd := &cobra.Command{Use: "conflicts", Short: "Review conflicts awaiting a decision"}
	conflictsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conflicts awaiting manual review",
			Args:  cobra.NoArgs,
			RunE:  MakeConflictsListCommand(ctx, v),
		},
	)
	resolveCmd := &cobra.Command{
		Use:   "resolve <id> [strategy]",
		Short: "Settle a conflict with client-wins, server-wins, newest-wins, merge or a chosen --value",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  MakeConflictsResolveCommand(ctx, v),
	}
	resolveCmd.Flags().String("value", "", "JSON object to submit as the resolved document")
	conflictsCmd.AddCommand(resolveCmd)
	mainCMD.AddCommand(conflictsCmd)

	locksCmd := &cobra.Command{Use: "locks", Short: "Inspect sync locks"}
	locksCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List lock records in the shared store",
		Args:  cobra.NoArgs,
		RunE:  MakeLocksListCommand(ctx, v),
	})
	mainCMD.AddCommand(locksCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a zstd-compressed JSON dump of the queue, dead letters and conflicts",
		Args:  cobra.NoArgs,
		RunE:  MakeExportCommand(ctx, v),
	}
	exportCmd.Flags().StringP("output", "o", "baton-offline-export.json.zst", "Path of the dump, - for stdout")
	mainCMD.AddCommand(exportCmd)

	healthCmd := &cobra.Command{
		Use:   "health-check",
		Short: "Query the health server of a running engine",
		Args:  cobra.NoArgs,
		RunE:  MakeHealthCheckCommand(ctx, v),
	}
	healthCmd.Flags().String("endpoint", "health", "Endpoint to query: health, ready, live, status")
	healthCmd.Flags().Int("timeout", 5, "Request timeout in seconds")
	mainCMD.AddCommand(healthCmd)

	if err := v.BindPFlags(mainCMD.PersistentFlags()); err != nil {
		return nil, err
	}

	return mainCMD, nil
}
