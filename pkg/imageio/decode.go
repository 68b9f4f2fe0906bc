// Package imageio turns raster files and uploads into grayscale intensity
// images for the pipeline, and writes images back out.
package imageio

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"coronary3d/internal/models"
	"coronary3d/pkg/errors"
)

// Decode reads any registered raster format (png, jpeg, gif, bmp, tiff)
// and converts it to grayscale. It returns the detected format name.
func Decode(r io.Reader) (*models.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrCodeDecodeFailed, err, "cannot decode image")
	}
	out := models.FromImage(img)
	if out.Empty() {
		return nil, "", errors.New(errors.ErrCodeDecodeFailed, "image has no pixels")
	}
	return out, format, nil
}

// DecodeBase64 decodes a base64 image, optionally prefixed with a data URL
// header such as "data:image/png;base64,".
func DecodeBase64(s string) (*models.Image, error) {
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDecodeFailed, err, "invalid base64 image data")
	}
	img, _, err := Decode(bytes.NewReader(raw))
	return img, err
}

// Load decodes the image file at path.
func Load(path string) (*models.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDecodeFailed, err, "cannot open %s", path)
	}
	defer f.Close()

	img, _, err := Decode(f)
	return img, err
}

// Downscale shrinks img so that neither side exceeds maxDim and returns the
// applied scale factor. Images already small enough are returned as is with
// a factor of 1.
func Downscale(img *models.Image, maxDim int) (*models.Image, float64) {
	longest := img.Width
	if img.Height > longest {
		longest = img.Height
	}
	if maxDim <= 0 || longest <= maxDim {
		return img, 1
	}

	scale := float64(maxDim) / float64(longest)
	return Resize(img, scale), scale
}

// Resize scales both sides of img by scale with Catmull-Rom resampling.
// A scale of 1 returns img unchanged.
func Resize(img *models.Image, scale float64) *models.Image {
	if scale == 1 || scale <= 0 {
		return img
	}
	w := max(1, int(float64(img.Width)*scale))
	h := max(1, int(float64(img.Height)*scale))
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img.ToGray(), image.Rect(0, 0, img.Width, img.Height), draw.Src, nil)
	return models.FromImage(dst)
}

// Save writes img as PNG, or JPEG when path ends in .jpg or .jpeg.
func Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(f, img)
	}
}
