package main

import (
	"context"
	"errors"

	"sd-batch/internal/config"
	"sd-batch/internal/infra/etcd"
	"sd-batch/internal/scheduler"
	"sd-batch/internal/usecase"

	"github.com/spf13/cobra"
)

var (
	img2imgPrompt    string
	interrogateModel string
	scheduleFlag     string
)

var img2imgCmd = &cobra.Command{
	Use:   "img2img <directory> <glob>",
	Short: "Rework every matching image",
	Long: `Run img2img on every file below <directory> matching <glob> ("**" matches any
number of directories). Results are written next to their input as
<stem><suffix>.<ext>; existing files are never overwritten. Files whose name
already ends in the suffix are skipped.

Prompt, negative prompt and sampler settings are taken from the PNG
"parameters" text of each input when img2img.parse_metadata is on.`,
	Example: `  sdbatch img2img images "**/*.png"
  sdbatch img2img images "*.jpg" --prompt "oil painting" --schedule "@every 1h"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &usecase.Img2ImgRequest{
			DirRequest: usecase.DirRequest{Dir: args[0], Glob: args[1]},
			Prompt:     img2imgPrompt,
		}
		return runBatch(cmd.Context(), "img2img", func(ctx context.Context) error {
			summary, err := app.svc.Img2Img(ctx, req)
			app.report(summary)
			return err
		})
	},
}

var interrogateCmd = &cobra.Command{
	Use:   "interrogate <directory> <glob>",
	Short: "Caption every matching image",
	Long: `Ask the backend to describe every matching image and store the caption
next to it as <stem>.txt. Existing caption files are never overwritten.`,
	Example: `  sdbatch interrogate images "**/*.png" --model deepdanbooru`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &usecase.InterrogateRequest{
			DirRequest: usecase.DirRequest{Dir: args[0], Glob: args[1]},
			Model:      interrogateModel,
		}
		return runBatch(cmd.Context(), "interrogate", func(ctx context.Context) error {
			summary, err := app.svc.Interrogate(ctx, req)
			app.report(summary)
			return err
		})
	},
}

// runBatch runs fn once, or on the configured schedule until ctx is done.
func runBatch(ctx context.Context, name string, fn scheduler.BatchFunc) error {
	spec := scheduleFlag
	if spec == "" {
		spec = app.cfg.Schedule
	}
	if spec == "" {
		return fn(ctx)
	}

	schedule, err := config.ParseSchedule(spec)
	if err != nil {
		return err
	}
	s := scheduler.New(app.logger)
	if app.etcdClient != nil {
		s.SetLocker(etcd.NewEtcdLocker(app.etcdClient, app.cfg.Etcd.LockPrefix))
	}
	s.AddBatch(name, schedule, fn)
	if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(img2imgCmd, interrogateCmd)

	img2imgCmd.Flags().StringVar(&img2imgPrompt, "prompt", "", "prompt, overriding the one read from image metadata")
	interrogateCmd.Flags().StringVar(&interrogateModel, "model", "", "interrogation model: clip or deepdanbooru (default interrogate.model from config)")

	for _, c := range []*cobra.Command{img2imgCmd, interrogateCmd} {
		c.Flags().StringVar(&scheduleFlag, "schedule", "", `rerun the batch on a cron schedule, e.g. "@every 30m" or "0 */2 * * *"`)
	}
}
