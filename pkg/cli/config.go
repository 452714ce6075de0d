package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/baton-offline/pkg/config"
	"github.com/conductorone/baton-offline/pkg/connectivity"
	"github.com/conductorone/baton-offline/pkg/executor"
	"github.com/conductorone/baton-offline/pkg/logging"
	"github.com/conductorone/baton-offline/pkg/metrics"
	"github.com/conductorone/baton-offline/pkg/orchestrator"
	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/store"
	"github.com/conductorone/baton-offline/pkg/uhttp"
)

// loadConfig decodes and validates the configuration bound to v and attaches a logger to ctx.
func loadConfig(ctx context.Context, v *viper.Viper) (context.Context, *config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}

	runCtx, err := initLogger(
		ctx,
		logging.WithLogFormat(cfg.LogFormat),
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithOutputPaths(cfg.LogOutput),
		logging.WithRotation(logging.Rotation{
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
			Compress:   true,
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return runCtx, cfg, nil
}

func initLogger(ctx context.Context, opts ...logging.Option) (context.Context, error) {
	return logging.Init(ctx, opts...)
}

// engine is an orchestrator over the shared SQLite store.
type engine struct {
	store *store.SQLite
	orch  *orchestrator.Orchestrator
}

// newExecutor returns the HTTP executor when a remote is configured. Without one every
// operation fails permanently, which is fine for commands that only read or queue.
func newExecutor(name string, version string, cfg *config.Config) (queue.Executor, error) {
	if cfg.RemoteURL == "" {
		return executor.NewRegistry(), nil
	}
	return executor.NewHTTP(cfg.RemoteURL,
		executor.WithClient(uhttp.NewClient(cfg.RemoteTimeout),
			uhttp.WithUserAgent(name+"/"+version),
			uhttp.WithPrintBody(cfg.LogLevel == "debug"),
		),
	)
}

func openEngine(
	ctx context.Context,
	cfg *config.Config,
	exec queue.Executor,
	conn connectivity.Source,
	m *metrics.M,
) (*engine, error) {
	st, err := store.OpenSQLite(ctx, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.StorePath, err)
	}

	o, err := orchestrator.New(orchestrator.Deps{
		Store:        st,
		Executor:     exec,
		Connectivity: conn,
		Metrics:      m,
	}, orchestrator.OptionsFromConfig(cfg)...)
	if err != nil {
		return nil, errors.Join(err, st.Close(ctx))
	}

	return &engine{store: st, orch: o}, nil
}

// openOfflineEngine opens an engine that never talks to the remote. Mutations it makes are
// queued for the serving process to drain.
func openOfflineEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	return openEngine(ctx, cfg, executor.NewRegistry(), connectivity.Always(false), nil)
}

func (e *engine) Close(ctx context.Context) error {
	return errors.Join(e.orch.Cleanup(ctx), e.store.Close(ctx))
}

// withOfflineEngine runs fn against an offline engine and closes it afterwards.
func withOfflineEngine(ctx context.Context, v *viper.Viper, fn func(context.Context, *engine) error) (err error) {
	runCtx, cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}

	e, err := openOfflineEngine(runCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.Close(context.WithoutCancel(runCtx)))
	}()

	return fn(runCtx, e)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
