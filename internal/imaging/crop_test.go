package imaging

import (
	"encoding/base64"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

func TestCrop(t *testing.T) {
	img := createPatternImage(100, 100)

	result, err := Crop(img, 0, 0, 50, 50, 1.0)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	if result.Width != 50 || result.Height != 50 {
		t.Errorf("dimensions: got %dx%d, want 50x50", result.Width, result.Height)
	}

	if result.MimeType != "image/png" {
		t.Errorf("MimeType: got %s, want image/png", result.MimeType)
	}

	// Verify base64 can be decoded
	_, err = base64.StdEncoding.DecodeString(result.ImageBase64)
	if err != nil {
		t.Errorf("failed to decode base64: %v", err)
	}
}

func TestCrop_WithScale(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{255, 0, 0, 255})

	// Scale up 2x
	result, err := Crop(img, 0, 0, 50, 50, 2.0)
	if err != nil {
		t.Fatalf("Crop with scale failed: %v", err)
	}

	if result.Width != 100 || result.Height != 100 {
		t.Errorf("scaled dimensions: got %dx%d, want 100x100", result.Width, result.Height)
	}
}

func TestCrop_ScaleDown(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{255, 0, 0, 255})

	// Scale down 0.5x
	result, err := Crop(img, 0, 0, 100, 100, 0.5)
	if err != nil {
		t.Fatalf("Crop with scale down failed: %v", err)
	}

	if result.Width != 50 || result.Height != 50 {
		t.Errorf("scaled dimensions: got %dx%d, want 50x50", result.Width, result.Height)
	}
}

func TestCrop_OutOfBounds(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{255, 0, 0, 255})

	tests := []struct {
		name           string
		x1, y1, x2, y2 int
	}{
		{"x1 negative", -1, 0, 50, 50},
		{"y1 negative", 0, -1, 50, 50},
		{"x2 too large", 0, 0, 101, 50},
		{"y2 too large", 0, 0, 50, 101},
		{"all out of bounds", -1, -1, 200, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Crop(img, tt.x1, tt.y1, tt.x2, tt.y2, 1.0)
			if err == nil {
				t.Error("Crop should fail for out-of-bounds coordinates")
			}
		})
	}
}

func TestCrop_InvalidRegion(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{255, 0, 0, 255})

	tests := []struct {
		name           string
		x1, y1, x2, y2 int
	}{
		{"x1 >= x2", 50, 0, 50, 50},
		{"x1 > x2", 60, 0, 50, 50},
		{"y1 >= y2", 0, 50, 50, 50},
		{"y1 > y2", 0, 60, 50, 50},
		{"zero area", 50, 50, 50, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Crop(img, tt.x1, tt.y1, tt.x2, tt.y2, 1.0)
			if err == nil {
				t.Error("Crop should fail for invalid region")
			}
		})
	}
}

func TestCrop_FullImage(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{255, 0, 0, 255})

	result, err := Crop(img, 0, 0, 100, 100, 1.0)
	if err != nil {
		t.Fatalf("Crop full image failed: %v", err)
	}

	if result.Width != 100 || result.Height != 100 {
		t.Errorf("dimensions: got %dx%d, want 100x100", result.Width, result.Height)
	}
}

func TestCrop_VerifyContent(t *testing.T) {
	img := createPatternImage(100, 100)

	// Crop top-left quadrant (should be red)
	result, err := Crop(img, 0, 0, 50, 50, 1.0)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	// Decode the result and verify color
	decoded, err := base64.StdEncoding.DecodeString(result.ImageBase64)
	if err != nil {
		t.Fatalf("failed to decode base64: %v", err)
	}

	croppedImg, err := png.Decode(strings.NewReader(string(decoded)))
	if err != nil {
		t.Fatalf("failed to decode PNG: %v", err)
	}

	// Sample center pixel - should be red
	r, g, b, _ := croppedImg.At(25, 25).RGBA()
	r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(b>>8)

	if r8 != 255 || g8 != 0 || b8 != 0 {
		t.Errorf("cropped image color: got (%d,%d,%d), want (255,0,0)", r8, g8, b8)
	}
}

func TestCropDetection(t *testing.T) {
	img := createPatternImage(100, 100)

	tests := []struct {
		name          string
		shape         geometry.Shape
		pad           int
		width, height int
	}{
		{"inside", geometry.Box{X1: 10, Y1: 10, X2: 30, Y2: 20}, 0, 20, 10},
		{"padded", geometry.Box{X1: 10, Y1: 10, X2: 30, Y2: 20}, 5, 30, 20},
		{"clipped at edge", geometry.Box{X1: 90, Y1: 90, X2: 99.5, Y2: 99.5}, 10, 20, 20},
		{"oriented", geometry.Polygon{{X: 20, Y: 10}, {X: 30, Y: 20}, {X: 20, Y: 30}, {X: 10, Y: 20}}, 0, 20, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := CropDetection(img, tt.shape, tt.pad, 1.0)
			if err != nil {
				t.Fatalf("CropDetection failed: %v", err)
			}
			if result.Width != tt.width || result.Height != tt.height {
				t.Errorf("dimensions: got %dx%d, want %dx%d", result.Width, result.Height, tt.width, tt.height)
			}
		})
	}
}

func TestCropDetection_OutsideImage(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{255, 0, 0, 255})
	_, err := CropDetection(img, geometry.Box{X1: 200, Y1: 200, X2: 250, Y2: 250}, 0, 1.0)
	if err == nil {
		t.Error("CropDetection should fail for a detection outside the image")
	}
}
