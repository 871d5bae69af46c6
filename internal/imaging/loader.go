package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/detection-reasoner/internal/detection"
)

// ImageCache provides thread-safe caching of decoded images keyed by path.
//
// Cached images remain in memory until Evict or Clear is called; a pipeline run
// evicts each image once its annotated copy is written.
type ImageCache struct {
	mu     sync.RWMutex
	images map[string]image.Image
}

// NewImageCache creates an empty cache.
func NewImageCache() *ImageCache {
	return &ImageCache{
		images: make(map[string]image.Image),
	}
}

// Load returns the image at path, decoding it on first use. EXIF orientation
// is applied so pixel coordinates match what the detector saw.
func (c *ImageCache) Load(path string) (image.Image, error) {
	c.mu.RLock()
	if img, ok := c.images[path]; ok {
		c.mu.RUnlock()
		return img, nil
	}
	c.mu.RUnlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	c.mu.Lock()
	c.images[path] = img
	c.mu.Unlock()

	return img, nil
}

// Clear removes all images from the cache.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	c.images = make(map[string]image.Image)
	c.mu.Unlock()
}

// Evict removes one image from the cache.
func (c *ImageCache) Evict(path string) {
	c.mu.Lock()
	delete(c.images, path)
	c.mu.Unlock()
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

// Dimensions is the pixel size of an image.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ReadDimensions reads the size of the image at path from its header without
// decoding the pixels.
func ReadDimensions(path string) (Dimensions, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dimensions{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Dimensions{}, fmt.Errorf("failed to decode image header: %w", err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// Extensions are tried in order when looking up the image of a detection file.
var Extensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".gif"}

// ErrImageNotFound is returned when no image file exists for an image id.
var ErrImageNotFound = errors.New("image not found")

// FindImage returns the path of the image named imageID in dir.
func FindImage(dir, imageID string) (string, error) {
	for _, ext := range Extensions {
		p := filepath.Join(dir, imageID+ext)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrImageNotFound, imageID, dir)
}

// Sizer resolves image sizes from an image directory, remembering each answer.
// Images missing from the directory get the Fallback size when it is set.
// Sizer implements detection.ImageSizer and is safe for concurrent use.
type Sizer struct {
	Dir      string
	Fallback detection.FixedSize

	mu    sync.Mutex
	sizes map[string]Dimensions
}

// NewSizer returns a Sizer for dir.
func NewSizer(dir string, fallback detection.FixedSize) *Sizer {
	return &Sizer{Dir: dir, Fallback: fallback, sizes: make(map[string]Dimensions)}
}

// Size returns the width and height of imageID.
func (s *Sizer) Size(imageID string) (int, int, error) {
	s.mu.Lock()
	if d, ok := s.sizes[imageID]; ok {
		s.mu.Unlock()
		return d.Width, d.Height, nil
	}
	s.mu.Unlock()

	var d Dimensions
	path, err := FindImage(s.Dir, imageID)
	if err == nil {
		d, err = ReadDimensions(path)
	}
	if err != nil {
		if s.Fallback.Width > 0 && s.Fallback.Height > 0 {
			return s.Fallback.Width, s.Fallback.Height, nil
		}
		return 0, 0, err
	}

	s.mu.Lock()
	if s.sizes == nil {
		s.sizes = make(map[string]Dimensions)
	}
	s.sizes[imageID] = d
	s.mu.Unlock()
	return d.Width, d.Height, nil
}
