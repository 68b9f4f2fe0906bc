package cli

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"coronary3d/internal/models"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/imageio"
	"coronary3d/pkg/reconstruction"
)

// viewArg is one positional argument of the reconstruct command.
type viewArg struct {
	path string
	view models.CArmView
}

// parseViewArg parses "path@lao,cran", e.g. "lca_1.png@30,-20". Negative
// LAO is RAO and negative cranial is caudal.
func parseViewArg(arg string) (viewArg, error) {
	at := strings.LastIndex(arg, "@")
	if at <= 0 {
		return viewArg{}, errors.New(errors.ErrCodeInvalidInput, "view %q: expected path@lao,cran", arg)
	}
	parts := strings.Split(arg[at+1:], ",")
	if len(parts) != 2 {
		return viewArg{}, errors.New(errors.ErrCodeInvalidInput, "view %q: expected two angles", arg)
	}
	lao, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return viewArg{}, errors.Wrap(errors.ErrCodeInvalidInput, err, "view %q: LAO/RAO angle", arg)
	}
	cran, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return viewArg{}, errors.Wrap(errors.ErrCodeInvalidInput, err, "view %q: cranial/caudal angle", arg)
	}
	return viewArg{path: arg[:at], view: models.CArmView{LAORAO: lao, CranialCaudal: cran}}, nil
}

func newReconstructCmd() *cobra.Command {
	var opts outputOpts

	cmd := &cobra.Command{
		Use:   "reconstruct [image@lao,cran]...",
		Short: "Reconstruct the 3D vessel tree from two or more angiograms",
		Long: `Reconstruct the 3D vessel tree from two or more angiograms of the same
vessels. Each argument names an image and its C-arm angles in degrees, for
example "lca_1.png@30,-20" for LAO 30 / CAU 20.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromContext(ctx)

			req := reconstruction.Request{Method: reconstruction.MethodMultiView}
			names := make([]string, len(args))
			for i, arg := range args {
				va, err := parseViewArg(arg)
				if err != nil {
					return err
				}
				img, err := imageio.Load(va.path)
				if err != nil {
					return fmt.Errorf("view %d: %w", i, err)
				}
				req.Images = append(req.Images, img)
				req.Views = append(req.Views, va.view)
				names[i] = fmt.Sprintf("view%d_%s", i, stem(va.path))
			}

			res, err := reconstruction.NewReconstructor(cfg).Run(ctx, req)
			if err != nil {
				return err
			}
			tree := res.(*reconstruction.ReconstructionResult)

			if err := writeJSON(filepath.Join(opts.dir, "reconstruction.json"), tree); err != nil {
				return err
			}
			polylines := tree.Polylines()
			for i, a := range tree.Analyses {
				if err := writeViewArtifacts(ctx, cfg, opts, names[i], a, req.Images[i], polylines); err != nil {
					return err
				}
			}
			if err := writeTree(ctx, opts, tree); err != nil {
				return err
			}
			printSummary(cmd, tree)
			return nil
		},
	}

	opts.register(cmd, true)
	return cmd
}
