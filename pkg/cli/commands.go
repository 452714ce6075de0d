package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/conflict"
	"github.com/conductorone/baton-offline/pkg/connectivity"
	"github.com/conductorone/baton-offline/pkg/healthcheck"
	"github.com/conductorone/baton-offline/pkg/logging"
	"github.com/conductorone/baton-offline/pkg/metrics"
	"github.com/conductorone/baton-offline/pkg/orchestrator"
	"github.com/conductorone/baton-offline/pkg/uhttp"
	"github.com/conductorone/baton-offline/pkg/uotel"
)

func MakeServeCommand(ctx context.Context, name string, version string, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) (err error) {
		runCtx, cfg, err := loadConfig(ctx, v)
		if err != nil {
			return err
		}
		if cfg.RemoteURL == "" {
			return errors.New("remote-url is required to serve")
		}

		l := ctxzap.Extract(runCtx)
		runCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		shutdownCtx := context.WithoutCancel(runCtx)

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		otelOpts := []uotel.Option{
			uotel.WithServiceName(name),
			uotel.WithServiceVersion(version),
			uotel.WithExportInterval(cfg.MetricsInterval),
			uotel.WithHandler(metrics.NewPrometheusHandler(reg)),
		}
		if cfg.MetricsOutput != "" {
			w, err := logging.Output(cfg.MetricsOutput)
			if err != nil {
				return err
			}
			otelOpts = append(otelOpts, uotel.WithMetricsWriter(w))
		}
		m, shutdownOtel, err := uotel.InitOtel(runCtx, otelOpts...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, shutdownOtel(shutdownCtx))
		}()

		exec, err := newExecutor(name, version, cfg)
		if err != nil {
			return err
		}
		prober, err := connectivity.NewProber(cfg.ProbeURL,
			connectivity.WithInterval(cfg.ProbeInterval),
			connectivity.WithHTTPClient(uhttp.NewClient(cfg.RemoteTimeout)),
		)
		if err != nil {
			return err
		}

		e, err := openEngine(runCtx, cfg, exec, prober, m)
		if err != nil {
			l.Error("error creating sync engine", zap.Error(err))
			return err
		}
		defer func() {
			err = errors.Join(err, e.Close(shutdownCtx))
		}()

		if err := e.orch.Init(runCtx); err != nil {
			l.Error("error initializing sync engine", zap.Error(err))
			return err
		}

		if cfg.HealthPort > 0 {
			hs := healthcheck.NewServer(healthcheck.Config{
				Enabled:     true,
				Port:        cfg.HealthPort,
				BindAddress: cfg.HealthBindAddress,
			}, e.orch, healthcheck.WithMetrics(reg))
			if err := hs.Start(runCtx); err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, hs.Stop(shutdownCtx))
			}()
		}

		l.Info("sync engine running",
			zap.String("remote_url", cfg.RemoteURL),
			zap.String("store_path", cfg.StorePath),
			zap.String("holder_id", e.orch.Locks().HolderID()),
		)

		if err := prober.Run(runCtx); err != nil {
			l.Error("error running sync engine", zap.Error(err))
			return err
		}

		l.Info("sync engine shutting down")
		return nil
	}
}

func MakeDrainCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		runCtx, cfg, err := loadConfig(ctx, v)
		if err != nil {
			return err
		}
		if cfg.RemoteURL == "" {
			return errors.New("remote-url is required to drain")
		}

		exec, err := newExecutor(cmd.Root().Name(), cmd.Root().Version, cfg)
		if err != nil {
			return err
		}
		prober, err := connectivity.NewProber(cfg.ProbeURL, connectivity.WithHTTPClient(uhttp.NewClient(cfg.RemoteTimeout)))
		if err != nil {
			return err
		}
		if !prober.Probe(runCtx) {
			return fmt.Errorf("remote %s is unreachable", cfg.ProbeURL)
		}

		e, err := openEngine(runCtx, cfg, exec, prober, nil)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, e.Close(context.WithoutCancel(runCtx)))
		}()

		res, err := e.orch.ProcessQueue(runCtx)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}
}

func MakeStatusCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			st := e.orch.GetStatus(ctx)
			if err := printJSON(cmd, st); err != nil {
				return err
			}
			if !st.Healthy() {
				return fmt.Errorf("status incomplete: %d part(s) could not be read", len(st.Errors))
			}
			return nil
		})
	}
}

func MakeQueueListCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			items, err := e.orch.Queue().Items(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		})
	}
}

func MakeDeadLettersListCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			items, err := e.orch.Queue().DeadLetters(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		})
	}
}

func MakeDeadLettersRequeueCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			id, err := e.orch.Queue().RequeueDeadLetter(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"requeued": args[0], "id": id})
		})
	}
}

func MakeDeadLettersPurgeCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			n, err := e.orch.Queue().PurgeDeadLetters(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"purged": n})
		})
	}
}

func MakeConflictsListCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			conflicts, err := e.orch.Resolver().ManualConflicts(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, conflicts)
		})
	}
}

// MakeConflictsResolveCommand settles a conflict with a strategy or with the document given
// by --value. A local change that survives the decision is queued for the serving process to
// send.
func MakeConflictsResolveCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("value")
		if (raw == "") == (len(args) < 2) {
			return errors.New("conflicts resolve: give either a strategy or --value")
		}

		var value map[string]any
		var strategy conflict.Strategy
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				return fmt.Errorf("conflicts resolve: --value must be a JSON object: %w", err)
			}
		} else {
			var err error
			if strategy, err = conflict.ParseStrategy(args[1]); err != nil {
				return err
			}
		}

		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			var (
				res orchestrator.OperationResult
				err error
			)
			if value != nil {
				res, err = e.orch.ResolveManualConflictWithValue(ctx, args[0], value)
			} else {
				res, err = e.orch.ResolveManualConflict(ctx, args[0], strategy)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	}
}

func MakeLocksListCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) error {
			locks, err := e.orch.Locks().Locks(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, locks)
		})
	}
}
