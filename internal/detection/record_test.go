package detection

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

func sameBox(a, b geometry.Box) bool {
	const tol = 1e-9
	return math.Abs(a.X1-b.X1) < tol && math.Abs(a.Y1-b.Y1) < tol &&
		math.Abs(a.X2-b.X2) < tol && math.Abs(a.Y2-b.Y2) < tol
}

func TestParseLine(t *testing.T) {
	opts := ParseOptions{Width: 1000, Height: 500}
	tests := []struct {
		name      string
		line      string
		opts      ParseOptions
		wantClass string
		wantConf  float64
		wantBox   geometry.Box
		wantErr   bool
	}{
		{
			name:      "normalized",
			line:      "1 0.5 0.5 0.2 0.4 0.87",
			opts:      opts,
			wantClass: "ship",
			wantConf:  0.87,
			wantBox:   geometry.Box{X1: 400, Y1: 150, X2: 600, Y2: 350},
		},
		{
			name:      "oriented axis aligned",
			line:      "plane 0.9 10 10 50 10 50 40 10 40",
			opts:      opts,
			wantClass: "plane",
			wantConf:  0.9,
			wantBox:   geometry.Box{X1: 10, Y1: 10, X2: 50, Y2: 40},
		},
		{
			name:      "ground truth normalized without confidence",
			line:      "0 0.5 0.5 0.1 0.1",
			opts:      ParseOptions{GroundTruth: true, Width: 100, Height: 100},
			wantClass: "plane",
			wantConf:  1,
			wantBox:   geometry.Box{X1: 45, Y1: 45, X2: 55, Y2: 55},
		},
		{
			name:      "ground truth confidence ignored",
			line:      "harbor 0.3 0 0 10 0 10 10 0 10",
			opts:      ParseOptions{GroundTruth: true},
			wantClass: "harbor",
			wantConf:  1,
			wantBox:   geometry.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
		},
		{name: "wrong field count", line: "1 0.5 0.5 0.2", opts: opts, wantErr: true},
		{name: "non numeric", line: "1 0.5 abc 0.2 0.4 0.8", opts: opts, wantErr: true},
		{name: "confidence above one", line: "1 0.5 0.5 0.2 0.4 1.2", opts: opts, wantErr: true},
		{name: "negative confidence", line: "ship -0.1 0 0 1 0 1 1 0 1", opts: opts, wantErr: true},
		{name: "normalized out of range", line: "1 1.5 0.5 0.2 0.4 0.8", opts: opts, wantErr: true},
		{name: "five fields outside ground truth", line: "0 0.5 0.5 0.1 0.1", opts: opts, wantErr: true},
		{name: "nan value", line: "1 NaN 0.5 0.2 0.4 0.8", opts: opts, wantErr: true},
		{name: "normalized without size", line: "1 0.5 0.5 0.2 0.4 0.8", opts: ParseOptions{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseLine(tt.line, 3, tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine failed: %v", err)
			}
			if d.ClassName != tt.wantClass {
				t.Errorf("ClassName: got %s, want %s", d.ClassName, tt.wantClass)
			}
			if d.Confidence != tt.wantConf {
				t.Errorf("Confidence: got %v, want %v", d.Confidence, tt.wantConf)
			}
			if d.Index != 3 {
				t.Errorf("Index: got %d, want 3", d.Index)
			}
			if got := d.Shape.Bounds(); !sameBox(got, tt.wantBox) {
				t.Errorf("Bounds: got %+v, want %+v", got, tt.wantBox)
			}
		})
	}
}

func TestParseLine_RotatedKeepsPolygon(t *testing.T) {
	d, err := ParseLine("ship 0.7 10 0 20 10 10 20 0 10", 0, ParseOptions{})
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if _, ok := d.Shape.(geometry.Polygon); !ok {
		t.Fatalf("Shape: got %T, want geometry.Polygon", d.Shape)
	}
	if d.ClassID != 1 {
		t.Errorf("ClassID: got %d, want 1", d.ClassID)
	}
}

func TestRead_SkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		"# comment",
		"plane 0.9 0 0 10 0 10 10 0 10",
		"",
		"plane 1.7 0 0 10 0 10 10 0 10",
		"ship 0.4 20 20 30 20 30 30 20 30",
		"garbage",
	}, "\n")

	set, stats, err := Read(strings.NewReader(input), "P0001", ParseOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", set.Len())
	}
	if stats.Lines != 4 || stats.Parsed != 2 || stats.Skipped != 2 {
		t.Errorf("stats: got %+v", stats)
	}
	if len(stats.Errors) != 2 || stats.Errors[0].Line != 4 || stats.Errors[1].Line != 6 {
		t.Errorf("errors: got %v", stats.Errors)
	}
	for i, d := range set.Detections {
		if d.Index != i {
			t.Errorf("Index: got %d, want %d", d.Index, i)
		}
		if d.ImageID != "P0001" {
			t.Errorf("ImageID: got %s, want P0001", d.ImageID)
		}
	}
}

func TestWrite_SortedByConfidence(t *testing.T) {
	set := Set{ImageID: "img", Detections: []Detection{
		{Index: 0, ClassName: "ship", Confidence: 0.3, Shape: geometry.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, Format: FormatOriented},
		{Index: 1, ClassName: "plane", Confidence: 0.9, Shape: geometry.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}, Format: FormatOriented},
		{Index: 2, ClassName: "harbor", Confidence: 0.3, Shape: geometry.Box{X1: 1, Y1: 1, X2: 2, Y2: 2}, Format: FormatOriented},
	}}

	var buf bytes.Buffer
	if err := Write(&buf, set, WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := "plane 0.9 5 5 15 5 15 15 5 15\n" +
		"ship 0.3 0 0 10 0 10 10 0 10\n" +
		"harbor 0.3 1 1 2 1 2 2 1 2\n"
	if buf.String() != want {
		t.Errorf("output:\ngot\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWrite_NormalizedRoundTrip(t *testing.T) {
	opts := ParseOptions{Width: 800, Height: 600}
	d, err := ParseLine("3 0.25 0.5 0.1 0.2 0.55", 0, opts)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}

	line, err := FormatRecord(d, WriteOptions{Width: 800, Height: 600})
	if err != nil {
		t.Fatalf("FormatRecord failed: %v", err)
	}
	if want := "3 0.250000 0.500000 0.100000 0.200000 0.55"; line != want {
		t.Errorf("line: got %q, want %q", line, want)
	}

	if _, err := FormatRecord(d, WriteOptions{}); err == nil {
		t.Error("expected error for normalized output without size")
	}
}

func TestReadWriteDir(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "refined")

	files := map[string]string{
		"a.txt":    "0 0.5 0.5 0.2 0.2 0.4\n0 0.1 0.1 0.1 0.1 0.8\n",
		"b.txt":    "",
		"notes.md": "ignored",
		"c.txt":    "bad line\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(in, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store, stats, err := ReadDir(in, ParseOptions{}, FixedSize{Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if got := store.ImageIDs(); strings.Join(got, ",") != "a,b,c" {
		t.Errorf("ImageIDs: got %v", got)
	}
	if store.Total() != 2 || stats.Skipped != 1 {
		t.Errorf("Total %d Skipped %d", store.Total(), stats.Skipped)
	}

	if err := WriteDir(out, store, WriteOptions{}, FixedSize{Width: 100, Height: 100}); err != nil {
		t.Fatalf("WriteDir failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(out, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], " 0.8") {
		t.Errorf("a.txt: got %q", string(data))
	}
}

func TestSet_SortedIsStable(t *testing.T) {
	set := Set{Detections: []Detection{
		{Index: 0, Confidence: 0.5},
		{Index: 1, Confidence: 0.9},
		{Index: 2, Confidence: 0.5},
		{Index: 3, Confidence: 0.5},
	}}
	got := set.Sorted()
	order := []int{1, 0, 2, 3}
	for i, d := range got.Detections {
		if d.Index != order[i] {
			t.Fatalf("position %d: got index %d, want %d", i, d.Index, order[i])
		}
	}
	if set.Detections[0].Index != 0 {
		t.Error("Sorted modified the receiver")
	}
}

func TestClassMap(t *testing.T) {
	m := DefaultClassMap()
	if m.Len() != 15 {
		t.Fatalf("Len: got %d, want 15", m.Len())
	}
	if got := m.Name(14); got != "swimming_pool" {
		t.Errorf("Name(14): got %s", got)
	}
	if got := m.Name(99); got != "99" {
		t.Errorf("Name(99): got %s", got)
	}
	if id, ok := m.ID("harbor"); !ok || id != 7 {
		t.Errorf("ID(harbor): got %d %v", id, ok)
	}

	if _, err := NewClassMap(map[int]string{0: "car", 1: "car"}); err == nil {
		t.Error("expected error for duplicate names")
	}
}
