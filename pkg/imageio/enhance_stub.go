//go:build !gocv
// +build !gocv

package imageio

import "coronary3d/internal/models"

// EnhanceAvailable reports whether contrast enhancement is compiled in.
const EnhanceAvailable = false

// Enhance returns img unchanged; CLAHE needs a build with the gocv tag.
func Enhance(img *models.Image, clipLimit float64, tileSize int) (*models.Image, bool) {
	return img, false
}
