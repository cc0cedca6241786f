package main

import (
	"sd-batch/internal/usecase"

	"github.com/spf13/cobra"
)

var txt2imgReq = usecase.Txt2ImgRequest{}

var (
	txt2imgSteps  int
	txt2imgWidth  int
	txt2imgHeight int
	txt2imgSeed   int64
	txt2imgCFG    float64
)

var txt2imgCmd = &cobra.Command{
	Use:   "txt2img <prompt>",
	Short: "Generate images from a prompt",
	Long: `Generate --count images from one prompt. Images are written to the output
directory as NNNNNNNN.<ext>, the job index zero-padded to eight digits; when
that name is taken the first free NNNNNNNN_XX.<ext> is used.`,
	Example: `  sdbatch txt2img "a cute puppy dog" -c 8 -s 30 --width 768 --height 512
  sdbatch txt2img "castle at dusk" -n "blurry" --sampler "DPM++ 2M" --seed 42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := txt2imgReq
		req.Prompt = args[0]

		flags := cmd.Flags()
		if flags.Changed("steps") {
			req.Steps = &txt2imgSteps
		}
		if flags.Changed("width") {
			req.Width = &txt2imgWidth
		}
		if flags.Changed("height") {
			req.Height = &txt2imgHeight
		}
		if flags.Changed("seed") {
			req.Seed = &txt2imgSeed
		}
		if flags.Changed("cfg") {
			req.CFGScale = &txt2imgCFG
		}

		summary, err := app.svc.Txt2Img(cmd.Context(), &req)
		app.report(summary)
		return err
	},
}

func init() {
	rootCmd.AddCommand(txt2imgCmd)

	f := txt2imgCmd.Flags()
	f.StringVarP(&txt2imgReq.NegativePrompt, "negative", "n", "", "negative prompt")
	f.IntVarP(&txt2imgReq.Count, "count", "c", 1, "number of generated images")
	f.IntVarP(&txt2imgSteps, "steps", "s", 0, "generation steps (default txt2img.payload.steps, else the backend default)")
	f.IntVar(&txt2imgWidth, "width", 512, "image width")
	f.IntVar(&txt2imgHeight, "height", 512, "image height")
	f.Int64Var(&txt2imgSeed, "seed", -1, "seed")
	f.Float64Var(&txt2imgCFG, "cfg", 7, "cfg scale")
	f.StringVar(&txt2imgReq.Sampler, "sampler", "", "sampler name")
	f.StringVarP(&txt2imgReq.OutputDir, "output", "o", "", "output directory (default output_dir from config)")
}
