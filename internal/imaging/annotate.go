package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// Palette assigns each class name a fixed color. Hues are spread evenly over
// the sorted class list so the same classes always get the same colors.
type Palette struct {
	colors   map[string]color.RGBA
	fallback color.RGBA
}

// NewPalette builds a palette for names.
func NewPalette(names []string) Palette {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	p := Palette{colors: make(map[string]color.RGBA, len(sorted)), fallback: color.RGBA{255, 255, 255, 255}}
	for i, n := range sorted {
		c := colorful.Hsv(float64(i)*360/float64(len(sorted)), 0.75, 0.95)
		r, g, b := c.RGB255()
		p.colors[n] = color.RGBA{r, g, b, 255}
	}
	return p
}

// Color returns the color of class name, or white for a class the palette
// does not know.
func (p Palette) Color(name string) color.RGBA {
	if c, ok := p.colors[name]; ok {
		return c
	}
	return p.fallback
}

// AnnotateOptions controls how detections are drawn.
type AnnotateOptions struct {
	// LineWidth is the outline thickness in pixels. Zero draws 2px outlines.
	LineWidth int

	// Labels draws "class confidence" above each outline.
	Labels bool

	// GridSpacing overlays a coordinate grid every GridSpacing pixels when > 0.
	GridSpacing int
	GridColor   string

	// MaxSize shrinks the result so its longer edge is at most MaxSize pixels.
	MaxSize int
}

// Annotate returns a copy of img with the outline of every detection drawn in
// its class color. The input image is not modified.
func Annotate(img image.Image, dets []detection.Detection, palette Palette, opts AnnotateOptions) *image.NRGBA {
	out := imaging.Clone(img)

	if opts.GridSpacing > 0 {
		drawGrid(out, opts.GridSpacing, opts.GridColor)
	}

	width := opts.LineWidth
	if width <= 0 {
		width = 2
	}
	for _, d := range dets {
		col := palette.Color(d.ClassName)
		drawPolygon(out, d.Shape.Vertices(), width, col)
	}
	if opts.Labels {
		// Labels go on top of every outline.
		for _, d := range dets {
			b := d.Shape.Bounds()
			text := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
			drawLabel(out, int(b.X1), int(b.Y1)-labelHeight, text, color.RGBA{0, 0, 0, 255}, palette.Color(d.ClassName))
		}
	}

	if opts.MaxSize > 0 {
		bounds := out.Bounds()
		if bounds.Dx() > opts.MaxSize || bounds.Dy() > opts.MaxSize {
			out = imaging.Fit(out, opts.MaxSize, opts.MaxSize, imaging.Lanczos)
		}
	}
	return out
}

// drawPolygon outlines the closed polygon vs.
func drawPolygon(img *image.NRGBA, vs []geometry.Point, width int, col color.Color) {
	for i := range vs {
		a, b := vs[i], vs[(i+1)%len(vs)]
		drawLine(img, int(a.X+0.5), int(a.Y+0.5), int(b.X+0.5), int(b.Y+0.5), width, col)
	}
}

// drawLine rasterizes a segment with Bresenham's algorithm, stamping a square
// brush of the given width at each step.
func drawLine(img *image.NRGBA, x0, y0, x1, y1, width int, col color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	half := width / 2
	for {
		for by := -half; by < width-half; by++ {
			for bx := -half; bx < width-half; bx++ {
				setPixel(img, x0+bx, y0+by, col)
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func setPixel(img *image.NRGBA, x, y int, col color.Color) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, col)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// drawGrid overlays grid lines every spacing pixels, labeling each crossing
// with its coordinates.
func drawGrid(img *image.NRGBA, spacing int, hex string) {
	gridColor, err := parseHexColor(hex)
	if err != nil {
		gridColor = color.RGBA{255, 0, 0, 128} // Default: semi-transparent red
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	for x := spacing; x < width; x += spacing {
		for y := 0; y < height; y++ {
			img.Set(x, y, gridColor)
		}
	}
	for y := spacing; y < height; y += spacing {
		for x := 0; x < width; x++ {
			img.Set(x, y, gridColor)
		}
	}
	for y := spacing; y < height; y += spacing {
		for x := spacing; x < width; x += spacing {
			drawLabel(img, x+2, y+2, fmt.Sprintf("%d,%d", x, y), color.RGBA{255, 255, 255, 255}, color.RGBA{0, 0, 0, 180})
		}
	}
}

// labelHeight is the height of a label box drawn with basicfont.Face7x13.
const labelHeight = 13

// drawLabel draws text on a filled box whose top-left corner is (x, y). The box
// is shifted inside the image when it would fall off an edge.
func drawLabel(img *image.NRGBA, x, y int, text string, fg, bg color.RGBA) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 2
	bounds := img.Bounds()
	if x+w > bounds.Max.X {
		x = bounds.Max.X - w
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	if y+labelHeight > bounds.Max.Y {
		y = bounds.Max.Y - labelHeight
	}
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}

	box := image.Rect(x, y, x+w, y+labelHeight).Intersect(bounds)
	draw.Draw(img, box, image.NewUniform(bg), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x + 1), Y: fixed.I(y + face.Ascent)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF0000" or "#FF000080".
func parseHexColor(hex string) (color.RGBA, error) {
	if len(hex) == 0 {
		return color.RGBA{}, fmt.Errorf("empty color string")
	}
	hex = strings.TrimPrefix(hex, "#")

	var a uint8 = 255
	switch len(hex) {
	case 6:
	case 8:
		var v uint8
		if _, err := fmt.Sscanf(hex[6:], "%02x", &v); err != nil {
			return color.RGBA{}, fmt.Errorf("invalid alpha %q: %w", hex[6:], err)
		}
		a = v
		hex = hex[:6]
	default:
		return color.RGBA{}, fmt.Errorf("invalid hex color length")
	}

	c, err := colorful.Hex("#" + hex)
	if err != nil {
		return color.RGBA{}, err
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: a}, nil
}

// Save writes img to path, choosing JPEG for .jpg and .jpeg paths and PNG
// otherwise.
func Save(path string, img image.Image) error {
	enc := imgio.PNGEncoder()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		enc = imgio.JPEGEncoder(90)
	}
	if err := imgio.Save(path, img, enc); err != nil {
		return fmt.Errorf("failed to save image %s: %w", path, err)
	}
	return nil
}

// EncodedImage is an image serialized for transport.
type EncodedImage struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

// EncodePNG encodes img as base64 PNG.
func EncodePNG(img image.Image) (*EncodedImage, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return &EncodedImage{
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
		ImageBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		MimeType:    "image/png",
	}, nil
}
