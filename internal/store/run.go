package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// StageDetections are the detections one stage produced for the whole corpus.
type StageDetections struct {
	Stage      string
	Detections []detection.Adjusted
}

// Run is everything recorded for one pipeline run.
type Run struct {
	ID        string
	CreatedAt time.Time

	Images     int
	RawCount   int
	NMSCount   int
	RulesFired int

	Detections []StageDetections
	Relations  []spatial.Relation
	Graph      graph.CategoryGraph
	Evaluation evaluation.Comparison
}

// SaveRun writes run in a single transaction, replacing any earlier run with
// the same id.
func (db *DB) SaveRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, images, raw_count, nms_count, rules_fired)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.CreatedAt.UTC(), run.Images, run.RawCount, run.NMSCount, run.RulesFired); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if err := insertDetections(ctx, tx, run); err != nil {
		return err
	}
	if err := insertRelations(ctx, tx, run); err != nil {
		return err
	}
	if err := insertEdges(ctx, tx, run); err != nil {
		return err
	}
	if err := insertMetrics(ctx, tx, run); err != nil {
		return err
	}

	return tx.Commit()
}

func insertDetections(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (run_id, stage, image_id, idx, class_id, class_name,
			confidence, original_confidence, applied_rules, vertices)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range run.Detections {
		for _, a := range s.Detections {
			if _, err := stmt.ExecContext(ctx, run.ID, s.Stage, a.ImageID, a.Index, a.ClassID, a.ClassName,
				a.AdjustedConfidence, a.OriginalConfidence, strings.Join(a.AppliedRules, ";"),
				formatVertices(a.Shape)); err != nil {
				return fmt.Errorf("failed to insert detection: %w", err)
			}
		}
	}
	return nil
}

func insertRelations(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relations (run_id, image_id, kind, subject_id, object_id,
			subject_class, object_class, strength, distance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range run.Relations {
		if _, err := stmt.ExecContext(ctx, run.ID, r.ImageID, string(r.Kind), r.SubjectID, r.ObjectID,
			r.SubjectClass, r.ObjectClass, r.Strength, r.Distance); err != nil {
			return fmt.Errorf("failed to insert relation: %w", err)
		}
	}
	return nil
}

func insertEdges(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO category_edges (run_id, kind, subject, object, count, avg_strength)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range run.Graph.Edges {
		if _, err := stmt.ExecContext(ctx, run.ID, string(e.Kind), e.Subject, e.Object, e.Count, e.AvgStrength); err != nil {
			return fmt.Errorf("failed to insert category edge: %w", err)
		}
	}
	return nil
}

func insertMetrics(ctx context.Context, tx *sql.Tx, run Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO class_metrics (run_id, stage, class, ap50, ap75, ap50_95,
			precision, recall, tp, fp, fn, instances)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range run.Evaluation.Stages {
		for _, c := range s.Record.Classes {
			if _, err := stmt.ExecContext(ctx, run.ID, s.Name, c.Class, c.AP50, c.AP75, c.AP5095,
				c.Precision, c.Recall, c.TP, c.FP, c.FN, c.InstanceCount); err != nil {
				return fmt.Errorf("failed to insert class metrics: %w", err)
			}
		}
	}
	return nil
}

// Detections returns the detections a run stored for one stage and image,
// ordered by local index.
func (db *DB) Detections(ctx context.Context, runID, stage, imageID string) ([]detection.Adjusted, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT image_id, idx, class_id, class_name, confidence, original_confidence, applied_rules, vertices
		FROM detections WHERE run_id = ? AND stage = ? AND image_id = ?
		ORDER BY idx
	`, runID, stage, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []detection.Adjusted
	for rows.Next() {
		var (
			a        detection.Adjusted
			rules    string
			vertices string
		)
		if err := rows.Scan(&a.ImageID, &a.Index, &a.ClassID, &a.ClassName, &a.AdjustedConfidence,
			&a.OriginalConfidence, &rules, &vertices); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		shape, err := parseVertices(vertices)
		if err != nil {
			return nil, fmt.Errorf("detection %s/%d: %w", a.ImageID, a.Index, err)
		}
		a.Shape = shape
		a.Confidence = a.OriginalConfidence
		if rules != "" {
			a.AppliedRules = strings.Split(rules, ";")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CategoryEdges returns the category graph edges of a run, ordered by kind,
// subject and object.
func (db *DB) CategoryEdges(ctx context.Context, runID string) ([]graph.CategoryEdge, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT kind, subject, object, count, avg_strength
		FROM category_edges WHERE run_id = ?
		ORDER BY kind, subject, object
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query category edges: %w", err)
	}
	defer rows.Close()

	var out []graph.CategoryEdge
	for rows.Next() {
		var (
			e    graph.CategoryEdge
			kind string
		)
		if err := rows.Scan(&kind, &e.Subject, &e.Object, &e.Count, &e.AvgStrength); err != nil {
			return nil, fmt.Errorf("failed to scan category edge: %w", err)
		}
		e.Kind = spatial.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClassMetrics returns the per-class evaluation of one stage of a run, sorted
// by class name.
func (db *DB) ClassMetrics(ctx context.Context, runID, stage string) ([]evaluation.ClassRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT class, ap50, ap75, ap50_95, precision, recall, tp, fp, fn, instances
		FROM class_metrics WHERE run_id = ? AND stage = ?
	`, runID, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to query class metrics: %w", err)
	}
	defer rows.Close()

	var out []evaluation.ClassRecord
	for rows.Next() {
		var c evaluation.ClassRecord
		if err := rows.Scan(&c.Class, &c.AP50, &c.AP75, &c.AP5095, &c.Precision, &c.Recall,
			&c.TP, &c.FP, &c.FN, &c.InstanceCount); err != nil {
			return nil, fmt.Errorf("failed to scan class metrics: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out, nil
}

// formatVertices encodes a shape as "x,y x,y ...". Two vertices mean an
// axis-aligned box given by its corners.
func formatVertices(s geometry.Shape) string {
	if s == nil {
		return ""
	}
	var pts []geometry.Point
	if b, ok := s.(geometry.Box); ok {
		pts = []geometry.Point{{X: b.X1, Y: b.Y1}, {X: b.X2, Y: b.Y2}}
	} else {
		pts = s.Vertices()
	}
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = strconv.FormatFloat(p.X, 'f', -1, 64) + "," + strconv.FormatFloat(p.Y, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

func parseVertices(s string) (geometry.Shape, error) {
	fields := strings.Fields(s)
	pts := make([]geometry.Point, len(fields))
	for i, f := range fields {
		xs, ys, ok := strings.Cut(f, ",")
		if !ok {
			return nil, fmt.Errorf("malformed vertex %q", f)
		}
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vertex %q: %w", f, err)
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vertex %q: %w", f, err)
		}
		pts[i] = geometry.Point{X: x, Y: y}
	}
	switch len(pts) {
	case 2:
		return geometry.Box{X1: pts[0].X, Y1: pts[0].Y, X2: pts[1].X, Y2: pts[1].Y}, nil
	case 4:
		return geometry.Polygon{pts[0], pts[1], pts[2], pts[3]}, nil
	}
	return nil, fmt.Errorf("expected 2 or 4 vertices, got %d", len(pts))
}
