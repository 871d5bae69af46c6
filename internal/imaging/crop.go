package imaging

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// Crop extracts a rectangular region from an image
func Crop(img image.Image, x1, y1, x2, y2 int, scale float64) (*EncodedImage, error) {
	bounds := img.Bounds()

	// Validate coordinates
	if x1 < bounds.Min.X || y1 < bounds.Min.Y || x2 > bounds.Max.X || y2 > bounds.Max.Y {
		return nil, fmt.Errorf("crop region (%d,%d)-(%d,%d) outside image bounds (%d,%d)-(%d,%d)",
			x1, y1, x2, y2, bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Max.Y)
	}
	if x1 >= x2 || y1 >= y2 {
		return nil, fmt.Errorf("invalid crop region: x1 must be < x2, y1 must be < y2")
	}

	cropped := imaging.Crop(img, image.Rect(x1, y1, x2, y2))

	if scale != 1.0 && scale > 0 {
		newWidth := int(float64(cropped.Bounds().Dx()) * scale)
		newHeight := int(float64(cropped.Bounds().Dy()) * scale)
		cropped = imaging.Resize(cropped, newWidth, newHeight, imaging.Lanczos)
	}

	return EncodePNG(cropped)
}

// CropDetection extracts the axis-aligned bounds of shape grown by pad pixels
// on every side. The region is clipped to the image.
func CropDetection(img image.Image, shape geometry.Shape, pad int, scale float64) (*EncodedImage, error) {
	b := shape.Bounds()
	bounds := img.Bounds()
	x1 := max(bounds.Min.X, int(math.Floor(b.X1))-pad)
	y1 := max(bounds.Min.Y, int(math.Floor(b.Y1))-pad)
	x2 := min(bounds.Max.X, int(math.Ceil(b.X2))+pad)
	y2 := min(bounds.Max.Y, int(math.Ceil(b.Y2))+pad)
	if x1 >= x2 || y1 >= y2 {
		return nil, fmt.Errorf("detection (%.1f,%.1f)-(%.1f,%.1f) lies outside the image", b.X1, b.Y1, b.X2, b.Y2)
	}
	return Crop(img, x1, y1, x2, y2, scale)
}
