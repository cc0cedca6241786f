package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"sd-batch/internal/domain"

	"github.com/spf13/cobra"
)

var registerTTL int64

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage the backend pool kept in etcd",
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backends a run would use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoints, err := app.svc.Endpoints(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tURL")
		for _, e := range endpoints {
			fmt.Fprintf(tw, "%s\t%s\n", e.Name, e.URL)
		}
		return tw.Flush()
	},
}

var endpointsRegisterCmd = &cobra.Command{
	Use:   "register <name> <url>",
	Short: "Register a backend until interrupted",
	Long: `Publish a backend under etcd.endpoints_prefix with a lease and keep the lease
alive until the command is interrupted. Runs started meanwhile include the
backend; the registration disappears when the lease is revoked or expires.`,
	Example: `  sdbatch endpoints register gpu-1 http://10.0.0.5:7860 --ttl 15`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if app.endpoints == nil {
			return &domain.InputError{Err: errors.New("registering a backend needs etcd.endpoints")}
		}
		ctx := cmd.Context()
		if err := app.endpoints.Register(ctx, domain.Endpoint{Name: args[0], URL: args[1]}, registerTTL); err != nil {
			return err
		}

		<-ctx.Done()
		deregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return app.endpoints.Deregister(deregCtx)
	},
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
	endpointsCmd.AddCommand(endpointsListCmd, endpointsRegisterCmd)

	endpointsRegisterCmd.Flags().Int64Var(&registerTTL, "ttl", 15, "lease TTL in seconds")
}
