package main

import (
	"sd-batch/internal/usecase"

	"github.com/spf13/cobra"
)

var videoPrompt string

var img2vidCmd = &cobra.Command{
	Use:   "img2vid <directory> <glob> <output>",
	Short: "Rework matching images as the frames of a video",
	Long: `Run img2img on every matching image and mux the results, in file order, into
<output> with ffmpeg at video.framerate. A frame that fails is left out of
the video; the rest keep their order.`,
	Example: `  sdbatch img2vid images "**/*.png" output.mp4`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := app.svc.Img2Vid(cmd.Context(), &usecase.Img2VidRequest{
			DirRequest: usecase.DirRequest{Dir: args[0], Glob: args[1]},
			Output:     args[2],
			Prompt:     videoPrompt,
		})
		app.report(summary)
		return err
	},
}

var vid2vidCmd = &cobra.Command{
	Use:   "vid2vid <input> <output>",
	Short: "Rework every frame of a video",
	Long: `Decode <input> with ffmpeg, run img2img on every frame across all backends
and mux the results into <output> at the input frame rate. The filter chain,
output parameters and ControlNet units come from the video section of the
config.`,
	Example: `  sdbatch vid2vid input.mp4 output.mp4 --prompt "a cute puppy dog"`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := app.svc.Vid2Vid(cmd.Context(), &usecase.Vid2VidRequest{
			Input:  args[0],
			Output: args[1],
			Prompt: videoPrompt,
		})
		app.report(summary)
		return err
	},
}

func init() {
	rootCmd.AddCommand(img2vidCmd, vid2vidCmd)
	for _, c := range []*cobra.Command{img2vidCmd, vid2vidCmd} {
		c.Flags().StringVar(&videoPrompt, "prompt", "", "prompt for every frame")
	}
}
