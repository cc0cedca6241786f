package main

import (
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	cfgFile string
	debug   bool

	app *application
)

var rootCmd = &cobra.Command{
	Use:   "sdbatch",
	Short: "Batch txt2img, img2img, interrogate and video jobs across Stable Diffusion backends",
	Long: `sdbatch spreads batches of generation jobs over one or more Stable Diffusion
web backends (AUTOMATIC1111 sdapi). Each backend gets one worker; jobs are
taken from a shared queue until the batch is done.

Backends come from the "servers" config list, or from etcd when
etcd.endpoints is set.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		app, err = newApplication(cmd.Context(), cfgFile, debug)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
