//go:build gocv
// +build gocv

package imageio

import (
	"image"

	"gocv.io/x/gocv"

	"coronary3d/internal/models"
)

// EnhanceAvailable reports whether contrast enhancement is compiled in.
const EnhanceAvailable = true

// Enhance applies CLAHE to img and reports whether it ran.
func Enhance(img *models.Image, clipLimit float64, tileSize int) (*models.Image, bool) {
	if img.Empty() || tileSize <= 0 {
		return img, false
	}
	gray := img.ToGray()
	src, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8U, gray.Pix)
	if err != nil {
		return img, false
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	clahe := gocv.NewCLAHEWithParams(clipLimit, image.Pt(tileSize, tileSize))
	defer clahe.Close()
	clahe.Apply(src, &dst)

	out := models.NewImage(img.Width, img.Height)
	for i, v := range dst.ToBytes() {
		if i >= len(out.Pix) {
			break
		}
		out.Pix[i] = float64(v) / 255
	}
	return out, true
}
