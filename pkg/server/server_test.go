package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/reconstruction"
)

func testServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	if mutate != nil {
		mutate(cfg)
	}
	logger := log.New(&bytes.Buffer{})
	return New(reconstruction.NewReconstructor(cfg), logger).Handler()
}

// darkLinePNG encodes a bright image with a dark horizontal vessel.
func darkLinePNG(t *testing.T, size int) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	mid := size / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8(230)
			if y >= mid-1 && y <= mid+1 && x >= size/8 && x < size-size/8 {
				v = 50
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func post(t *testing.T, h http.Handler, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return do(t, h, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestHealth(t *testing.T) {
	rec, out := do(t, testServer(t, nil), httptest.NewRequest(http.MethodGet, "/api/coronary/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestAnalyzeSingle(t *testing.T) {
	rec, out := post(t, testServer(t, nil), "/api/coronary/analyze-single", analyzeRequest{Image: darkLinePNG(t, 64)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := out["result"].(map[string]any)
	assert.Equal(t, "single_image", result["kind"])
	assert.Equal(t, "single_image", result["reconstruction_method"])
	assert.NotZero(t, result["num_branches"])
	assert.Equal(t, 1.0, out["scale"])
	assert.True(t, strings.HasPrefix(out["overlay"].(string), "data:image/png;base64,"))
}

func TestAnalyzeSingleDownscales(t *testing.T) {
	h := testServer(t, func(cfg *config.Config) { cfg.Server.MaxDimension = 32 })
	rec, out := post(t, h, "/api/coronary/analyze-single", analyzeRequest{Image: darkLinePNG(t, 64)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 0.5, out["scale"])
	result := out["result"].(map[string]any)
	assert.Equal(t, 32.0, result["width"])
}

func TestInputErrors(t *testing.T) {
	h := testServer(t, nil)
	img := darkLinePNG(t, 32)

	tests := []struct {
		name string
		path string
		body any
		code string
	}{
		{"no image", "/api/coronary/analyze-single", analyzeRequest{}, "INVALID_INPUT"},
		{"bad image", "/api/coronary/analyze-single", analyzeRequest{Image: "bm90IGFuIGltYWdl"}, "DECODE_FAILED"},
		{"mismatch", "/api/coronary/reconstruct", reconstructRequest{
			Images: []string{img, img},
			Angles: []models.CArmView{{}},
		}, "VIEW_MISMATCH"},
		{"single view", "/api/coronary/reconstruct", reconstructRequest{
			Images: []string{img},
			Angles: []models.CArmView{{}},
		}, "TOO_FEW_VIEWS"},
		{"bad angle", "/api/coronary/reconstruct", reconstructRequest{
			Images: []string{img, img},
			Angles: []models.CArmView{{}, {LAORAO: 120}},
		}, "INVALID_ANGLE"},
		{"unknown branch", "/api/coronary/manual", manualRequest{Views: []models.TrackedViewData{
			{Branches: map[string][][2]float64{"lcx": {{1, 2}}}},
		}}, "UNKNOWN_BRANCH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := post(t, h, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, out["code"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestMalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/coronary/reconstruct", strings.NewReader("{"))
	rec, out := do(t, testServer(t, nil), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", out["code"])
}

func TestBodyTooLarge(t *testing.T) {
	h := testServer(t, func(cfg *config.Config) { cfg.Server.MaxBodyMB = 1 })
	body := `{"image":"` + strings.Repeat("A", 2<<20) + `"}`
	rec, _ := do(t, h, httptest.NewRequest(http.MethodPost, "/api/coronary/analyze-single", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDeadlineExceeded(t *testing.T) {
	raw, err := json.Marshal(analyzeRequest{Image: darkLinePNG(t, 64)})
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/coronary/analyze-single", bytes.NewReader(raw)).WithContext(ctx)

	rec, out := do(t, testServer(t, nil), req)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "TIMEOUT", out["code"])
}

func TestClientGoneWritesNothing(t *testing.T) {
	raw, err := json.Marshal(analyzeRequest{Image: darkLinePNG(t, 64)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/coronary/analyze-single", bytes.NewReader(raw)).WithContext(ctx)

	var logs bytes.Buffer
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	h := New(reconstruction.NewReconstructor(cfg), log.New(&logs)).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Body.String())
	assert.NotEqual(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, logs.String(), "request failed")
}

func TestManual(t *testing.T) {
	junction := r3.Vec{}
	parent := r3.Vec{Y: -22}
	child1 := r3.Vec{X: -14, Y: 22, Z: 4}
	child2 := r3.Vec{X: 16, Y: 10, Z: -5}

	model := carm.NewModel(config.DefaultConfig().Geometry)
	view := func(angles models.CArmView) models.TrackedViewData {
		p, err := model.Projection(angles, 512, 512)
		require.NoError(t, err)
		sample := func(pts ...r3.Vec) [][2]float64 {
			var out [][2]float64
			for i := 0; i+1 < len(pts); i++ {
				for k := 0; k < 4; k++ {
					x := r3.Add(pts[i], r3.Scale(float64(k)/4, r3.Sub(pts[i+1], pts[i])))
					q := p.Project(x)
					out = append(out, [2]float64{q.X, q.Y})
				}
			}
			q := p.Project(pts[len(pts)-1])
			return append(out, [2]float64{q.X, q.Y})
		}
		return models.TrackedViewData{
			View:   angles,
			Width:  512,
			Height: 512,
			Branches: map[string][][2]float64{
				"main_vessel": sample(parent, junction, child1),
				"branch_1":    sample(junction, child2),
			},
		}
	}

	body := manualRequest{Views: []models.TrackedViewData{
		view(models.CArmView{}),
		view(models.CArmView{LAORAO: 30, CranialCaudal: 10}),
	}}
	rec, out := post(t, testServer(t, nil), "/api/coronary/manual", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := out["result"].(map[string]any)
	assert.Equal(t, "reconstruction", result["kind"])
	assert.Equal(t, "manual_tracking", result["reconstruction_method"])
	assert.Len(t, result["branches"], 2)
}

func TestDownscaleFactor(t *testing.T) {
	images := []*models.Image{models.NewImage(1600, 800), models.NewImage(400, 1000)}
	assert.Equal(t, 0.5, downscaleFactor(images, 800))
	assert.Equal(t, 1.0, downscaleFactor(images, 0))
	assert.Equal(t, 1.0, downscaleFactor(images, 2000))

	cfg := config.DefaultConfig()
	scaled := scaledConfig(cfg, 0.5)
	assert.InDelta(t, cfg.Geometry.PixelSpacingMM*2, scaled.Geometry.PixelSpacingMM, 1e-12)
	assert.NotSame(t, cfg, scaled)
}
