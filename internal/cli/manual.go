package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"coronary3d/internal/models"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/reconstruction"
)

// trackFile is the on-disk form of a manual tracking session:
//
//	views:
//	  - angles: {lao_rao: 30, cranial_caudal: -20}
//	    width: 512
//	    height: 512
//	    branches:
//	      main_vessel: [[120, 80], [130, 120], [150, 170]]
//	      branch_1: [[131, 125], [170, 140], [200, 150]]
type trackFile struct {
	Views []models.TrackedViewData `json:"views" yaml:"views"`
}

// loadTracks reads a YAML or JSON track file.
func loadTracks(path string) ([]models.TrackedView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read track file: %w", err)
	}

	var tf trackFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &tf)
	} else {
		err = yaml.Unmarshal(data, &tf)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "parse track file %s", filepath.Base(path))
	}

	tracks := make([]models.TrackedView, len(tf.Views))
	for i, v := range tf.Views {
		tv, err := v.TrackedView()
		if err != nil {
			return nil, fmt.Errorf("view %d: %w", i, err)
		}
		tracks[i] = tv
	}
	return tracks, nil
}

func newManualCmd() *cobra.Command {
	var opts outputOpts

	cmd := &cobra.Command{
		Use:   "manual [tracks.yaml]",
		Short: "Reconstruct 3D branches from manually tracked centerline points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromContext(ctx)

			tracks, err := loadTracks(args[0])
			if err != nil {
				return err
			}
			res, err := reconstruction.NewReconstructor(cfg).Run(ctx, reconstruction.Request{
				Method: reconstruction.MethodManualTracking,
				Tracks: tracks,
			})
			if err != nil {
				return err
			}
			tree := res.(*reconstruction.ReconstructionResult)

			if err := writeJSON(filepath.Join(opts.dir, "manual_reconstruction.json"), tree); err != nil {
				return err
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
