package cli

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"coronary3d/internal/models"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseViewArg(t *testing.T) {
	tests := []struct {
		arg     string
		path    string
		view    models.CArmView
		wantErr bool
	}{
		{arg: "lca.png@30,-20", path: "lca.png", view: models.CArmView{LAORAO: 30, CranialCaudal: -20}},
		{arg: "dir/a@b.png@-45, 0", path: "dir/a@b.png", view: models.CArmView{LAORAO: -45}},
		{arg: "lca.png", wantErr: true},
		{arg: "lca.png@30", wantErr: true},
		{arg: "lca.png@x,0", wantErr: true},
		{arg: "@30,0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseViewArg(tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, got.path)
			assert.Equal(t, tt.view, got.view)
		})
	}
}

func TestLoadTracks(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "tracks.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`views:
  - angles: {lao_rao: 30, cranial_caudal: -20}
    width: 512
    height: 512
    branches:
      main_vessel: [[120, 80], [130, 120], [150, 170]]
  - angles: {lao_rao: -30, cranial_caudal: 0}
    branches:
      main: [[100, 80], [110, 120], [140, 160]]
`), 0644))
	tracks, err := loadTracks(yamlPath)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, 30.0, tracks[0].View.LAORAO)
	assert.Equal(t, -20.0, tracks[0].View.CranialCaudal)
	assert.Equal(t, 512, tracks[0].Width)
	assert.Len(t, tracks[1].Branches[models.RoleMainVessel], 3)

	jsonPath := filepath.Join(dir, "tracks.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"views": [{"angles": {"lao_rao": 10}, "branches": {"branch_2": [[1, 2]]}}]}`), 0644))
	tracks, err = loadTracks(jsonPath)
	require.NoError(t, err)
	assert.Len(t, tracks[0].Branches[models.RoleBranch2], 1)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("views:\n  - branches:\n      rca: [[1, 2]]\n"), 0644))
	_, err = loadTracks(badPath)
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownBranch))

	_, err = loadTracks(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coronary3d.toml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Matching, cfg.Matching)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)
	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)
}

func TestAnalyzeCommand(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(230)
			if y >= 31 && y <= 33 && x >= 8 && x < 56 {
				v = 50
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	imgPath := filepath.Join(dir, "vessel.png")
	f, err := os.Create(imgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	outDir := filepath.Join(dir, "out")
	out, err := execute(t, "analyze", imgPath, "-o", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Branches:")

	for _, name := range []string{"vessel_result.json", "vessel_overlay.png", "vessel_graph.dot"} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
}

func TestManualCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end reconstruction")
	}

	junction := r3.Vec{}
	parent := r3.Vec{Y: -22}
	child := r3.Vec{X: 16, Y: 10, Z: -5}

	model := carm.NewModel(config.DefaultConfig().Geometry)
	track := func(view models.CArmView) models.TrackedViewData {
		p, err := model.Projection(view, 512, 512)
		require.NoError(t, err)
		line := func(a, b r3.Vec) [][2]float64 {
			var pts [][2]float64
			for k := 0; k <= 6; k++ {
				q := p.Project(r3.Add(a, r3.Scale(float64(k)/6, r3.Sub(b, a))))
				pts = append(pts, [2]float64{q.X, q.Y})
			}
			return pts
		}
		return models.TrackedViewData{
			View:   view,
			Width:  512,
			Height: 512,
			Branches: map[string][][2]float64{
				"main_vessel": line(parent, junction),
				"branch_1":    line(junction, child),
			},
		}
	}

	data, err := yaml.Marshal(trackFile{Views: []models.TrackedViewData{
		track(models.CArmView{}),
		track(models.CArmView{LAORAO: 35, CranialCaudal: 15}),
	}})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "tracks.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))

	outDir := filepath.Join(dir, "out")
	out, err := execute(t, "manual", path, "-o", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "manual_tracking")

	assert.FileExists(t, filepath.Join(outDir, "manual_reconstruction.json"))
	assert.FileExists(t, filepath.Join(outDir, "tree.stl"))
	for _, axis := range []string{"x", "y", "z"} {
		assert.FileExists(t, filepath.Join(outDir, "projections", "projection_"+axis+".png"))
	}
}

func TestReconstructNeedsTwoViews(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "a.png")
	f, err := os.Create(imgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 16, 16))))
	require.NoError(t, f.Close())

	_, err = execute(t, "reconstruct", imgPath+"@0,0", "-o", filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTooFewViews))
}
