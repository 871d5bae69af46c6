package detection

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/logging"
)

// ParseError describes one rejected record line.
type ParseError struct {
	ImageID string
	Line    int
	Text    string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s line %d: %s: %q", e.ImageID, e.Line, e.Reason, e.Text)
}

// ParseStats counts the outcome of reading one or more record files.
type ParseStats struct {
	Lines   int           `json:"lines"`
	Parsed  int           `json:"parsed"`
	Skipped int           `json:"skipped"`
	Errors  []*ParseError `json:"-"`
}

// Add folds other into s.
func (s *ParseStats) Add(other ParseStats) {
	s.Lines += other.Lines
	s.Parsed += other.Parsed
	s.Skipped += other.Skipped
	s.Errors = append(s.Errors, other.Errors...)
}

// ParseOptions controls how record lines are interpreted.
type ParseOptions struct {
	// Format forces a schema; FormatAuto picks one per line from its field count.
	Format RecordFormat

	// GroundTruth accepts lines without a confidence field and sets confidence to 1.
	GroundTruth bool

	// Classes resolves ids to names and back. Nil means DefaultClassMap.
	Classes *ClassMap

	// Width and Height are the image dimensions used to denormalize
	// normalized records into pixel space.
	Width, Height int

	Logger log.FieldLogger
}

func (o ParseOptions) classes() *ClassMap {
	if o.Classes == nil {
		return DefaultClassMap()
	}
	return o.Classes
}

// ParseLine parses one non-empty record line. idx becomes the detection's Index.
func ParseLine(line string, idx int, opts ParseOptions) (Detection, error) {
	fields := strings.Fields(line)
	format := opts.Format
	if format == FormatAuto {
		format = detectFormat(len(fields), opts.GroundTruth)
	}

	switch format {
	case FormatNormalized:
		return parseNormalized(fields, idx, opts)
	case FormatOriented:
		return parseOriented(fields, idx, opts)
	}
	return Detection{}, fmt.Errorf("unexpected field count %d", len(fields))
}

func detectFormat(n int, groundTruth bool) RecordFormat {
	switch {
	case n == 6, n == 5 && groundTruth:
		return FormatNormalized
	case n == 10, n == 9 && groundTruth:
		return FormatOriented
	}
	return FormatAuto
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric value %q", f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func checkConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	return nil
}

func parseNormalized(fields []string, idx int, opts ParseOptions) (Detection, error) {
	switch {
	case len(fields) == 6:
	case len(fields) == 5 && opts.GroundTruth:
	default:
		return Detection{}, fmt.Errorf("normalized record needs 6 fields, got %d", len(fields))
	}

	classID, err := strconv.Atoi(fields[0])
	if err != nil || classID < 0 {
		return Detection{}, fmt.Errorf("invalid class id %q", fields[0])
	}
	vals, err := parseFloats(fields[1:])
	if err != nil {
		return Detection{}, err
	}
	for _, v := range vals[:4] {
		if v < 0 || v > 1 {
			return Detection{}, fmt.Errorf("normalized coordinate %v outside [0,1]", v)
		}
	}

	conf := 1.0
	if len(vals) == 5 {
		if err := checkConfidence(vals[4]); err != nil {
			return Detection{}, err
		}
		if !opts.GroundTruth {
			conf = vals[4]
		}
	}

	w, h := opts.Width, opts.Height
	if w <= 0 || h <= 0 {
		return Detection{}, fmt.Errorf("image size unknown, cannot denormalize")
	}

	return Detection{
		Index:      idx,
		ClassID:    classID,
		ClassName:  opts.classes().Name(classID),
		Confidence: conf,
		Shape:      geometry.FromYOLO(vals[0], vals[1], vals[2], vals[3], w, h),
		Format:     FormatNormalized,
	}, nil
}

func parseOriented(fields []string, idx int, opts ParseOptions) (Detection, error) {
	switch {
	case len(fields) == 10:
	case len(fields) == 9 && opts.GroundTruth:
	default:
		return Detection{}, fmt.Errorf("oriented record needs 10 fields, got %d", len(fields))
	}

	name := fields[0]
	vals, err := parseFloats(fields[1:])
	if err != nil {
		return Detection{}, err
	}

	conf := 1.0
	if len(vals) == 9 {
		if err := checkConfidence(vals[0]); err != nil {
			return Detection{}, err
		}
		if !opts.GroundTruth {
			conf = vals[0]
		}
		vals = vals[1:]
	}

	var poly geometry.Polygon
	for i := range poly {
		poly[i] = geometry.Point{X: vals[2*i], Y: vals[2*i+1]}
	}

	id, _ := opts.classes().ID(name)
	return Detection{
		Index:      idx,
		ClassID:    id,
		ClassName:  name,
		Confidence: conf,
		Shape:      orientedShape(poly),
		Format:     FormatOriented,
	}, nil
}

// orientedShape keeps axis-aligned quadrilaterals as boxes so the fast
// rectangle paths apply.
func orientedShape(p geometry.Polygon) geometry.Shape {
	b := p.Bounds()
	for _, v := range p {
		if (v.X != b.X1 && v.X != b.X2) || (v.Y != b.Y1 && v.Y != b.Y2) {
			return p
		}
	}
	if p.Area() != b.Area() {
		return p
	}
	return b
}

// Read parses every line of r as a record for imageID. Malformed lines are
// logged, counted and skipped; they never abort the read.
func Read(r io.Reader, imageID string, opts ParseOptions) (Set, ParseStats, error) {
	logger := logging.OrDiscard(opts.Logger)
	set := Set{ImageID: imageID}
	var stats ParseStats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		stats.Lines++

		d, err := ParseLine(text, len(set.Detections), opts)
		if err != nil {
			perr := &ParseError{ImageID: imageID, Line: lineNo, Text: text, Reason: err.Error()}
			stats.Skipped++
			stats.Errors = append(stats.Errors, perr)
			logger.WithFields(log.Fields{"image": imageID, "line": lineNo}).Warnf("skipping record: %s", err)
			continue
		}
		d.ImageID = imageID
		set.Detections = append(set.Detections, d)
		stats.Parsed++
	}
	if err := scanner.Err(); err != nil {
		return set, stats, fmt.Errorf("failed to read records for %s: %w", imageID, err)
	}
	return set, stats, nil
}

// WriteOptions controls record output.
type WriteOptions struct {
	// Format forces an output schema; FormatAuto writes each detection in the
	// schema it was read from.
	Format RecordFormat

	// Classes resolves class ids for normalized output. Nil means DefaultClassMap.
	Classes *ClassMap

	// Width and Height are required for normalized output.
	Width, Height int
}

// Write emits set in record format, ordered by descending confidence.
func Write(w io.Writer, set Set, opts WriteOptions) error {
	bw := bufio.NewWriter(w)
	for _, d := range set.Sorted().Detections {
		line, err := FormatRecord(d, opts)
		if err != nil {
			return fmt.Errorf("failed to format detection %d of %s: %w", d.Index, set.ImageID, err)
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return bw.Flush()
}

// FormatRecord renders a single detection as a record line.
func FormatRecord(d Detection, opts WriteOptions) (string, error) {
	format := opts.Format
	if format == FormatAuto {
		format = d.Format
	}
	if format == FormatAuto {
		format = FormatOriented
	}

	conf := ftoa(d.Confidence)
	switch format {
	case FormatNormalized:
		if opts.Width <= 0 || opts.Height <= 0 {
			return "", fmt.Errorf("image size required for normalized output")
		}
		id := d.ClassID
		if id < 0 {
			var ok bool
			classes := opts.Classes
			if classes == nil {
				classes = DefaultClassMap()
			}
			if id, ok = classes.ID(d.ClassName); !ok {
				return "", fmt.Errorf("class %q has no id", d.ClassName)
			}
		}
		cx, cy, bw, bh := geometry.ToYOLO(d.Shape.Bounds(), opts.Width, opts.Height)
		return fmt.Sprintf("%d %.6f %.6f %.6f %.6f %s", id, cx, cy, bw, bh, conf), nil
	default:
		parts := []string{d.ClassName, conf}
		for _, v := range d.Shape.Vertices() {
			parts = append(parts, ftoa(v.X), ftoa(v.Y))
		}
		return strings.Join(parts, " "), nil
	}
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
