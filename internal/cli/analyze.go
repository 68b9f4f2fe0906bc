package cli

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"coronary3d/internal/models"
	"coronary3d/pkg/imageio"
	"coronary3d/pkg/logging"
	"coronary3d/pkg/reconstruction"
)

func newAnalyzeCmd() *cobra.Command {
	var opts outputOpts
	var maxDim int

	cmd := &cobra.Command{
		Use:   "analyze [image]",
		Short: "Extract the vessel tree of a single angiogram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromContext(ctx)
			logger := logging.FromContext(ctx)

			img, err := imageio.Load(args[0])
			if err != nil {
				return err
			}
			img, scale := imageio.Downscale(img, maxDim)
			if scale != 1 {
				logger.Info("downscaled image", "scale", scale, "width", img.Width, "height", img.Height)
			}

			res, err := reconstruction.NewReconstructor(cfg).Run(ctx, reconstruction.Request{
				Method: reconstruction.MethodSingleImage,
				Images: []*models.Image{img},
			})
			if err != nil {
				return err
			}
			single := res.(*reconstruction.SingleImageResult)

			name := stem(args[0])
			if err := writeJSON(filepath.Join(opts.dir, name+"_result.json"), single); err != nil {
				return err
			}
			if single.Analysis != nil {
				if err := writeViewArtifacts(ctx, cfg, opts, name, single.Analysis, img, nil); err != nil {
					return err
				}
			}
			printSummary(cmd, single)
			return nil
		},
	}

	opts.register(cmd, false)
	cmd.Flags().IntVar(&maxDim, "max-dim", 0, "downscale images whose longer side exceeds this many pixels (0 = never)")
	return cmd
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
