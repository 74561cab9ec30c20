package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drksbr/cloudrelay/internal/config"
	"github.com/drksbr/cloudrelay/internal/device"
	"github.com/drksbr/cloudrelay/internal/relay"
	"github.com/drksbr/cloudrelay/internal/runtime"
	"github.com/drksbr/cloudrelay/internal/util"
	"github.com/drksbr/cloudrelay/internal/version"
)

func Execute() error {
	opts := &runtime.Options{
		LogLevel: "info",
	}
	ctx, stop := util.WithSignalContext(context.Background())
	defer stop()
	return newRootCommand(opts).ExecuteContext(ctx)
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:          "cloudrelay",
		Short:        "Cloud relay between remote clients and home-automation hubs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			if opts.Environment == "" {
				opts.Environment = config.GetStringEnv("CLOUDRELAY_ENV", "production")
			}
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.Environment, "environment", "", "deployment environment attached to logs and traces")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading CLOUDRELAY_* variables")

	cmd.AddCommand(relay.NewCommand(opts))
	cmd.AddCommand(device.NewCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
