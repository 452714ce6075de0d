package cli

import (
	"context"
	"errors"
	"os"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func MakeExportCommand(ctx context.Context, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		output, _ := cmd.Flags().GetString("output")

		return withOfflineEngine(ctx, v, func(ctx context.Context, e *engine) (err error) {
			if output == "-" {
				return e.orch.Export(ctx, cmd.OutOrStdout())
			}

			f, err := os.OpenFile(output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, f.Close())
			}()

			if err := e.orch.Export(ctx, f); err != nil {
				return err
			}
			ctxzap.Extract(ctx).Info("export written", zap.String("path", output))
			return nil
		})
	}
}
