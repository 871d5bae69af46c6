package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRun(id string, created time.Time) Run {
	plane := detection.Detection{
		ImageID: "P0001", Index: 0, ClassID: 0, ClassName: "plane", Confidence: 0.4,
		Shape: geometry.Box{X1: 200, Y1: 150, X2: 260, Y2: 210},
	}
	ship := detection.Detection{
		ImageID: "P0001", Index: 1, ClassID: 1, ClassName: "ship", Confidence: 0.8,
		Shape: geometry.Polygon{{X: 10, Y: 0}, {X: 20, Y: 10}, {X: 10, Y: 20}, {X: 0, Y: 10}},
	}
	refined := detection.Unadjusted(plane)
	refined.AdjustedConfidence = 0.5
	refined.AppliedRules = []string{"plane_near_runway", "plane_parked"}

	return Run{
		ID:         id,
		CreatedAt:  created,
		Images:     1,
		RawCount:   2,
		NMSCount:   2,
		RulesFired: 2,
		Detections: []StageDetections{
			{Stage: evaluation.StageNMS, Detections: []detection.Adjusted{detection.Unadjusted(plane), detection.Unadjusted(ship)}},
			{Stage: evaluation.StageRefined, Detections: []detection.Adjusted{refined, detection.Unadjusted(ship)}},
		},
		Relations: []spatial.Relation{
			{Kind: spatial.Kind("near"), ImageID: "P0001", SubjectID: 0, ObjectID: 1, SubjectClass: "plane", ObjectClass: "ship", Strength: 0.7, Distance: 220},
		},
		Graph: graph.CategoryGraph{
			Nodes: []string{"plane", "ship"},
			Edges: []graph.CategoryEdge{
				{Kind: spatial.Kind("near"), Subject: "plane", Object: "ship", EdgeStats: graph.EdgeStats{Count: 3, AvgStrength: 0.6}},
			},
		},
		Evaluation: evaluation.Comparison{Stages: []evaluation.StageRecord{
			{Name: evaluation.StageRaw, Record: evaluation.Record{Classes: map[string]evaluation.ClassRecord{
				"ship":  {Class: "ship", AP50: 1, Precision: 1, Recall: 1, TP: 1, InstanceCount: 1},
				"plane": {Class: "plane", AP50: 0.5, Precision: 0.5, Recall: 1, TP: 1, FP: 1, InstanceCount: 1},
			}}},
		}},
	}
}

func TestSaveRunAndQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := sampleRun("run-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := db.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := db.Detections(ctx, "run-1", evaluation.StageRefined, "P0001")
	if err != nil {
		t.Fatalf("Detections failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d detections, want 2", len(got))
	}
	if got[0].AdjustedConfidence != 0.5 || got[0].OriginalConfidence != 0.4 {
		t.Errorf("confidences: got %v/%v, want 0.5/0.4", got[0].AdjustedConfidence, got[0].OriginalConfidence)
	}
	if !reflect.DeepEqual(got[0].AppliedRules, []string{"plane_near_runway", "plane_parked"}) {
		t.Errorf("rules: got %v", got[0].AppliedRules)
	}
	if got[0].Shape != run.Detections[1].Detections[0].Shape {
		t.Errorf("box shape: got %v", got[0].Shape)
	}
	if got[1].Shape != run.Detections[1].Detections[1].Shape {
		t.Errorf("polygon shape: got %v", got[1].Shape)
	}
	if got[1].AppliedRules != nil {
		t.Errorf("unadjusted rules: got %v, want none", got[1].AppliedRules)
	}

	edges, err := db.CategoryEdges(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(edges, run.Graph.Edges) {
		t.Errorf("edges: got %+v, want %+v", edges, run.Graph.Edges)
	}

	metrics, err := db.ClassMetrics(ctx, "run-1", evaluation.StageRaw)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 2 || metrics[0].Class != "plane" || metrics[0].FP != 1 || metrics[1].AP50 != 1 {
		t.Errorf("metrics: got %+v", metrics)
	}
}

func TestSaveRunReplaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := sampleRun("run-1", time.Now())

	if err := db.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Detections = run.Detections[:1]
	if err := db.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := db.Detections(ctx, "run-1", evaluation.StageRefined, "P0001")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("replaced run kept %d refined detections", len(got))
	}
	runs, err := db.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d runs, want 1", len(runs))
	}
}

func TestRunsAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	older := sampleRun("a", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := sampleRun("b", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	for _, r := range []Run{older, newer} {
		if err := db.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := db.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[1].ID != "a" {
		t.Fatalf("runs: got %+v, want newest first", runs)
	}
	if runs[0].RawCount != 2 || runs[0].RulesFired != 2 || !runs[0].CreatedAt.Equal(newer.CreatedAt) {
		t.Errorf("summary: got %+v", runs[0])
	}

	if err := db.DeleteRun(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	edges, err := db.CategoryEdges(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 0 {
		t.Errorf("deleted run kept %d edges", len(edges))
	}
	if runs, _ := db.Runs(ctx); len(runs) != 1 {
		t.Errorf("got %d runs after delete, want 1", len(runs))
	}
}

func TestSaveRunRequiresID(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveRun(context.Background(), Run{}); err == nil {
		t.Error("SaveRun should fail without a run id")
	}
}

func TestVerticesRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		shape geometry.Shape
	}{
		{"box", geometry.Box{X1: 1.5, Y1: 2, X2: 30, Y2: 40.25}},
		{"polygon", geometry.Polygon{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 3}, {X: 0, Y: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVertices(formatVertices(tt.shape))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.shape {
				t.Errorf("got %v, want %v", got, tt.shape)
			}
		})
	}

	for _, bad := range []string{"", "1,2", "1,2 3", "a,b c,d", "1,2 3,4 5,6"} {
		if _, err := parseVertices(bad); err == nil {
			t.Errorf("parseVertices(%q) should fail", bad)
		}
	}
}
