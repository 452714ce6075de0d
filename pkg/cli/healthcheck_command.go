package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/baton-offline/pkg/uhttp"
)

var validHealthCheckEndpoints = map[string]string{
	"health": "/health",
	"ready":  "/ready",
	"live":   "/live",
	"status": "/status",
}

func MakeHealthCheckCommand(
	ctx context.Context,
	v *viper.Viper,
) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		// Get configuration from persistent parent flags
		port := v.GetInt("health-port")
		bindAddress := v.GetString("health-bind-address")
		if port <= 0 {
			return errors.New("health-port must be set to query the health server")
		}

		// Get subcommand-specific flags
		endpoint, _ := cmd.Flags().GetString("endpoint")
		timeout, _ := cmd.Flags().GetInt("timeout")

		path, ok := validHealthCheckEndpoints[endpoint]
		if !ok {
			return fmt.Errorf("invalid endpoint: %s (valid: health, ready, live, status)", endpoint)
		}

		u := &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(bindAddress, strconv.Itoa(port)),
			Path:   path,
		}

		client := uhttp.NewBaseHttpClient(uhttp.NewClient(time.Duration(timeout) * time.Second))
		req, err := client.NewRequest(ctx, http.MethodGet, u, uhttp.WithAcceptJSONHeader())
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		var body []byte
		_, err = client.Do(req, uhttp.WithRawResponse(&body))
		if code := uhttp.StatusCode(err); code > 0 {
			return fmt.Errorf("health check returned status %d", code)
		}
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if endpoint == "status" {
			_, err = cmd.OutOrStdout().Write(body)
			return err
		}
		return nil
	}
}
