package detection

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageSizer reports the pixel dimensions of an image by id. It is consulted
// to denormalize normalized records before any geometric comparison.
type ImageSizer interface {
	Size(imageID string) (width, height int, err error)
}

// FixedSize is an ImageSizer for corpora where every image has the same
// dimensions, such as fixed-size slices.
type FixedSize struct {
	Width, Height int
}

func (f FixedSize) Size(string) (int, int, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return 0, 0, fmt.Errorf("invalid fixed image size %dx%d", f.Width, f.Height)
	}
	return f.Width, f.Height, nil
}

// Store holds the detection sets of a corpus keyed by image id.
//
// A Store is filled before processing starts and then only read; it is not
// safe for concurrent writes.
type Store struct {
	sets map[string]Set
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sets: make(map[string]Set)}
}

// Put adds or replaces the set for set.ImageID.
func (s *Store) Put(set Set) {
	s.sets[set.ImageID] = set
}

// Get returns the set for imageID.
func (s *Store) Get(imageID string) (Set, bool) {
	set, ok := s.sets[imageID]
	return set, ok
}

// ImageIDs returns every image id in lexical order.
func (s *Store) ImageIDs() []string {
	ids := make([]string, 0, len(s.sets))
	for id := range s.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of images.
func (s *Store) Len() int { return len(s.sets) }

// Total returns the number of detections across every image.
func (s *Store) Total() int {
	n := 0
	for _, set := range s.sets {
		n += set.Len()
	}
	return n
}

// ReadFile reads one record file. The image id is the file name without extension.
func ReadFile(path string, opts ParseOptions) (Set, ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Set{}, ParseStats{}, fmt.Errorf("failed to open records: %w", err)
	}
	defer f.Close()
	return Read(f, ImageIDFromPath(path), opts)
}

// ImageIDFromPath returns the file stem of path.
func ImageIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadDir reads every .txt record file in dir into a Store. When sizer is
// non-nil it supplies per-image dimensions for normalized records, overriding
// opts.Width and opts.Height.
func ReadDir(dir string, opts ParseOptions, sizer ImageSizer) (*Store, ParseStats, error) {
	var stats ParseStats
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	store := NewStore()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".txt" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		fileOpts := opts
		if sizer != nil {
			w, h, err := sizer.Size(ImageIDFromPath(path))
			if err != nil {
				return nil, stats, fmt.Errorf("failed to size image for %s: %w", e.Name(), err)
			}
			fileOpts.Width, fileOpts.Height = w, h
		}
		set, fileStats, err := ReadFile(path, fileOpts)
		if err != nil {
			return nil, stats, err
		}
		stats.Add(fileStats)
		store.Put(set)
	}
	return store, stats, nil
}

// WriteFile writes set to path, creating or truncating it.
func WriteFile(path string, set Set, opts WriteOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(f, set, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteDir writes one <image_id>.txt per set in store to dir, creating dir when
// needed. Normalized output is sized through sizer.
func WriteDir(dir string, store *Store, opts WriteOptions, sizer ImageSizer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, id := range store.ImageIDs() {
		set, _ := store.Get(id)
		fileOpts := opts
		if sizer != nil {
			w, h, err := sizer.Size(id)
			if err != nil {
				return fmt.Errorf("failed to size image %s: %w", id, err)
			}
			fileOpts.Width, fileOpts.Height = w, h
		}
		if err := WriteFile(filepath.Join(dir, id+".txt"), set, fileOpts); err != nil {
			return err
		}
	}
	return nil
}
