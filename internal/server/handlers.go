package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/facts"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/imaging"
	"github.com/ironsheep/detection-reasoner/internal/nms"
	"github.com/ironsheep/detection-reasoner/internal/rules"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "detections_load", "detections_nms").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000.
func (s *Server) handleToolsCall(req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.executeTool(params.Name, params.Arguments)
	if err != nil {
		s.logger.WithField("tool", params.Name).WithError(err).Warn("Tool failed")
		return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
//
// Each tool handler:
//  1. Unmarshals arguments from JSON
//  2. Falls back to the server configuration for omitted parameters
//  3. Reads detection records from a file or from the inline text
//  4. Calls the matching core package
//  5. Returns the result or error
func (s *Server) executeTool(name string, args json.RawMessage) (interface{}, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	// Detections
	case "detections_load":
		return s.handleDetectionsLoad(args)
	case "detections_nms":
		return s.handleDetectionsNMS(args)
	case "detections_refine":
		return s.handleDetectionsRefine(args)

	// Relations and graph
	case "relations_extract":
		return s.handleRelationsExtract(args)
	case "graph_build":
		return s.handleGraphBuild(args)

	// Scoring
	case "evaluate":
		return s.handleEvaluate(args)
	case "geometry_iou":
		return s.handleGeometryIoU(args)

	// Imagery
	case "image_dimensions":
		return s.handleImageDimensions(args)
	case "detections_annotate":
		return s.handleDetectionsAnnotate(args)
	case "detections_crop":
		return s.handleDetectionsCrop(args)

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// Panics are suppressed; on marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// === Shared record handling ===

// recordArgs selects the detections a tool works on: a record file, or the
// record lines passed inline.
type recordArgs struct {
	Path        string `json:"path"`
	Records     string `json:"records"`
	ImageID     string `json:"image_id"`
	Format      string `json:"format"`
	GroundTruth bool   `json:"ground_truth"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

func (s *Server) parseOptions(format string, groundTruth bool, width, height int) (detection.ParseOptions, error) {
	if format == "" {
		format = s.cfg.InputFormat
	}
	f, err := detection.ParseRecordFormat(format)
	if err != nil {
		return detection.ParseOptions{}, err
	}
	if width <= 0 {
		width = s.cfg.ImageWidth
	}
	if height <= 0 {
		height = s.cfg.ImageHeight
	}
	return detection.ParseOptions{
		Format:      f,
		GroundTruth: groundTruth,
		Classes:     s.classes(),
		Width:       width,
		Height:      height,
		Logger:      s.logger,
	}, nil
}

func (s *Server) readSet(a recordArgs) (detection.Set, detection.ParseStats, error) {
	opts, err := s.parseOptions(a.Format, a.GroundTruth, a.Width, a.Height)
	if err != nil {
		return detection.Set{}, detection.ParseStats{}, err
	}
	switch {
	case a.Path != "":
		return detection.ReadFile(a.Path, opts)
	case a.Records != "":
		id := a.ImageID
		if id == "" {
			id = "image"
		}
		return detection.Read(strings.NewReader(a.Records), id, opts)
	}
	return detection.Set{}, detection.ParseStats{}, errors.New("either path or records is required")
}

func (s *Server) readDir(dir, format string, groundTruth bool) (*detection.Store, detection.ParseStats, error) {
	if dir == "" {
		return nil, detection.ParseStats{}, errors.New("directory is required")
	}
	opts, err := s.parseOptions(format, groundTruth, 0, 0)
	if err != nil {
		return nil, detection.ParseStats{}, err
	}
	return detection.ReadDir(dir, opts, detection.FixedSize{Width: opts.Width, Height: opts.Height})
}

// detectionView is the JSON form of a detection, with its outline.
type detectionView struct {
	Index      int          `json:"index"`
	ClassID    int          `json:"class_id"`
	ClassName  string       `json:"class_name"`
	Confidence float64      `json:"confidence"`
	Vertices   [][2]float64 `json:"vertices"`
}

func viewOf(d detection.Detection) detectionView {
	v := detectionView{Index: d.Index, ClassID: d.ClassID, ClassName: d.ClassName, Confidence: d.Confidence}
	if d.Shape != nil {
		for _, p := range d.Shape.Vertices() {
			v.Vertices = append(v.Vertices, [2]float64{p.X, p.Y})
		}
	}
	return v
}

func viewsOf(ds []detection.Detection) []detectionView {
	out := make([]detectionView, len(ds))
	for i, d := range ds {
		out[i] = viewOf(d)
	}
	return out
}

type parseView struct {
	Lines   int      `json:"lines"`
	Parsed  int      `json:"parsed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

func parseViewOf(st detection.ParseStats) parseView {
	v := parseView{Lines: st.Lines, Parsed: st.Parsed, Skipped: st.Skipped}
	for _, e := range st.Errors {
		v.Errors = append(v.Errors, e.Error())
	}
	return v
}

// === Detection Handlers ===

type detectionsResult struct {
	ImageID    string          `json:"image_id"`
	Parse      parseView       `json:"parse"`
	Detections []detectionView `json:"detections"`
}

func (s *Server) handleDetectionsLoad(args json.RawMessage) (interface{}, error) {
	var a recordArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	set, stats, err := s.readSet(a)
	if err != nil {
		return nil, err
	}
	return &detectionsResult{ImageID: set.ImageID, Parse: parseViewOf(stats), Detections: viewsOf(set.Detections)}, nil
}

type detectionsNMSArgs struct {
	recordArgs
	IoUThreshold  float64 `json:"iou_threshold"`
	ClassAgnostic *bool   `json:"class_agnostic"`
}

func (a detectionsNMSArgs) options(def nms.Options) nms.Options {
	if a.IoUThreshold != 0 {
		def.IoUThreshold = a.IoUThreshold
	}
	if a.ClassAgnostic != nil {
		def.ClassAgnostic = *a.ClassAgnostic
	}
	return def
}

type nmsResult struct {
	ImageID    string          `json:"image_id"`
	Parse      parseView       `json:"parse"`
	Stats      nms.Stats       `json:"stats"`
	Detections []detectionView `json:"detections"`
}

func (s *Server) handleDetectionsNMS(args json.RawMessage) (interface{}, error) {
	var a detectionsNMSArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	opts := a.options(s.cfg.NMS)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	set, parsed, err := s.readSet(a.recordArgs)
	if err != nil {
		return nil, err
	}
	kept, stats := nms.Filter(set, opts)
	return &nmsResult{ImageID: set.ImageID, Parse: parseViewOf(parsed), Stats: stats, Detections: viewsOf(kept.Detections)}, nil
}

type detectionsRefineArgs struct {
	detectionsNMSArgs
	RulesFile string `json:"rules_file"`
	ZonesFile string `json:"zones_file"`
	// NMS suppresses overlaps before the rules run.
	NMS bool `json:"nms"`
}

type adjustedView struct {
	detectionView
	OriginalConfidence float64  `json:"original_confidence"`
	AdjustedConfidence float64  `json:"adjusted_confidence"`
	AppliedRules       []string `json:"applied_rules"`
}

type refineResult struct {
	ImageID    string                 `json:"image_id"`
	Parse      parseView              `json:"parse"`
	NMS        *nms.Stats             `json:"nms,omitempty"`
	Rules      rules.Stats            `json:"rules"`
	Facts      int                    `json:"facts"`
	Zones      []spatial.ZoneRelation `json:"zones,omitempty"`
	Detections []adjustedView         `json:"detections"`
}

// refiner builds the symbolic pass from the given files, falling back to the
// configured ones.
func (s *Server) refiner(rulesFile, zonesFile string) (*rules.Refiner, error) {
	extractor, err := spatial.NewExtractor(s.cfg.Spatial)
	if err != nil {
		return nil, err
	}
	if rulesFile == "" {
		rulesFile = s.cfg.Paths.Rules
	}
	ruleset, err := rules.New(rules.ClampFinal)
	if err != nil {
		return nil, err
	}
	if rulesFile != "" {
		if ruleset, err = rules.LoadFile(rulesFile); err != nil {
			return nil, err
		}
	}
	zones, err := s.zones(zonesFile)
	if err != nil {
		return nil, err
	}
	var static []facts.Fact
	if path := s.cfg.Paths.StaticFacts; path != "" {
		if static, err = facts.LoadStaticFile(path); err != nil {
			return nil, err
		}
	}
	return &rules.Refiner{
		Engine:    rules.NewEngine(ruleset, s.logger),
		Extractor: extractor,
		Zones:     zones,
		Static:    static,
	}, nil
}

func (s *Server) zones(path string) (*spatial.ZoneSet, error) {
	if path == "" {
		path = s.cfg.Paths.Zones
	}
	if path == "" {
		return spatial.NewZoneSet(), nil
	}
	return spatial.LoadZonesFile(path)
}

func (s *Server) handleDetectionsRefine(args json.RawMessage) (interface{}, error) {
	var a detectionsRefineArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	r, err := s.refiner(a.RulesFile, a.ZonesFile)
	if err != nil {
		return nil, err
	}
	set, parsed, err := s.readSet(a.recordArgs)
	if err != nil {
		return nil, err
	}

	res := &refineResult{ImageID: set.ImageID, Parse: parseViewOf(parsed)}
	if a.NMS {
		opts := a.options(s.cfg.NMS)
		if err := opts.Validate(); err != nil {
			return nil, err
		}
		var stats nms.Stats
		set, stats = nms.Filter(set, opts)
		res.NMS = &stats
	}

	ref := r.Refine(set)
	res.Rules = ref.Stats
	res.Facts = ref.Facts.Len()
	res.Zones = ref.Zones
	for _, adj := range ref.Adjusted {
		res.Detections = append(res.Detections, adjustedView{
			detectionView:      viewOf(adj.Detection),
			OriginalConfidence: adj.OriginalConfidence,
			AdjustedConfidence: adj.AdjustedConfidence,
			AppliedRules:       adj.AppliedRules,
		})
	}
	return res, nil
}

// === Relation and Graph Handlers ===

type relationsExtractArgs struct {
	recordArgs
	ZonesFile string `json:"zones_file"`
}

type relationsResult struct {
	ImageID   string                 `json:"image_id"`
	Relations []spatial.Relation     `json:"relations"`
	Zones     []spatial.ZoneRelation `json:"zones,omitempty"`
}

func (s *Server) handleRelationsExtract(args json.RawMessage) (interface{}, error) {
	var a relationsExtractArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	extractor, err := spatial.NewExtractor(s.cfg.Spatial)
	if err != nil {
		return nil, err
	}
	zones, err := s.zones(a.ZonesFile)
	if err != nil {
		return nil, err
	}
	set, _, err := s.readSet(a.recordArgs)
	if err != nil {
		return nil, err
	}
	items := spatial.ItemsFromDetections(set.Detections)
	return &relationsResult{
		ImageID:   set.ImageID,
		Relations: extractor.Extract(set.ImageID, items),
		Zones:     extractor.ExtractZones(set.ImageID, items, zones.ForImage(set.ImageID)),
	}, nil
}

type graphBuildArgs struct {
	Dir     string `json:"dir"`
	Format  string `json:"format"`
	ImageID string `json:"image_id"`
	// Export adds the category graph rendered as "dot", "prolog" or "csv".
	Export string `json:"export"`
}

type graphResult struct {
	Images   int                  `json:"images"`
	Skipped  int                  `json:"skipped"`
	Graph    graph.CategoryGraph  `json:"graph"`
	Instance *graph.InstanceGraph `json:"instance,omitempty"`
	Export   string               `json:"export,omitempty"`
}

func (s *Server) handleGraphBuild(args json.RawMessage) (interface{}, error) {
	var a graphBuildArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	extractor, err := spatial.NewExtractor(s.cfg.Spatial)
	if err != nil {
		return nil, err
	}
	store, _, err := s.readDir(a.Dir, a.Format, false)
	if err != nil {
		return nil, err
	}

	b := graph.NewBuilder(s.logger)
	for _, id := range store.ImageIDs() {
		set, _ := store.Get(id)
		nodes := make([]graph.Node, len(set.Detections))
		for i, d := range set.Detections {
			nodes[i] = graph.Node{Index: d.Index, Class: d.ClassName, Confidence: d.Confidence}
		}
		b.RegisterImage(id, nodes)
		rels := extractor.Extract(id, spatial.ItemsFromDetections(set.Detections))
		if err := b.AddImageRelations(id, rels); err != nil {
			return nil, err
		}
	}

	res := &graphResult{Images: store.Len(), Skipped: b.Skipped(), Graph: b.CategoryGraph()}
	if a.ImageID != "" {
		ig, ok := b.InstanceGraph(a.ImageID)
		if !ok {
			return nil, fmt.Errorf("image %s not found in %s", a.ImageID, a.Dir)
		}
		res.Instance = &ig
	}

	var sb strings.Builder
	switch a.Export {
	case "", "json":
	case "dot":
		err = graph.WriteDot(&sb, res.Graph, s.cfg.Graph)
	case "prolog":
		err = graph.WriteProlog(&sb, res.Graph)
	case "csv":
		err = graph.WriteFactsCSV(&sb, res.Graph)
	default:
		return nil, fmt.Errorf("unknown export format: %s", a.Export)
	}
	if err != nil {
		return nil, err
	}
	res.Export = sb.String()
	return res, nil
}

// === Scoring Handlers ===

type evaluateArgs struct {
	PredictionsDir string    `json:"predictions_dir"`
	GroundTruthDir string    `json:"ground_truth_dir"`
	Format         string    `json:"format"`
	Thresholds     []float64 `json:"thresholds"`
	Interpolation  string    `json:"interpolation"`
}

type evaluateResult struct {
	evaluation.Record
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleEvaluate(args json.RawMessage) (interface{}, error) {
	var a evaluateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	opts := s.cfg.Evaluation
	if len(a.Thresholds) > 0 {
		opts.Thresholds = a.Thresholds
	}
	if a.Interpolation != "" {
		opts.Interpolation = evaluation.Interpolation(a.Interpolation)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	preds, _, err := s.readDir(a.PredictionsDir, a.Format, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read predictions: %w", err)
	}
	gt, _, err := s.readDir(a.GroundTruthDir, a.Format, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read ground truth: %w", err)
	}
	rec, err := evaluation.Evaluate(evaluation.InputsFromStores(preds, gt), opts)
	if err != nil {
		return nil, err
	}
	rep := evaluation.NewReport(evaluation.Comparison{Stages: []evaluation.StageRecord{{Name: evaluation.StageRaw, Record: rec}}})
	return &evaluateResult{Record: rec, Warnings: rep.Warnings}, nil
}

type geometryIoUArgs struct {
	A []float64 `json:"a"`
	B []float64 `json:"b"`
}

type geometryResult struct {
	IoU          float64 `json:"iou"`
	Intersection float64 `json:"intersection"`
	AreaA        float64 `json:"area_a"`
	AreaB        float64 `json:"area_b"`
	AContainsB   bool    `json:"a_contains_b"`
	BContainsA   bool    `json:"b_contains_a"`
	EdgeDistance float64 `json:"edge_distance"`
	Distance     float64 `json:"centroid_distance"`
	Direction    string  `json:"direction"`
	Degenerate   bool    `json:"degenerate"`
}

// shapeOf reads a box from 4 values or an oriented quadrilateral from 8.
func shapeOf(vals []float64) (geometry.Shape, error) {
	switch len(vals) {
	case 4:
		return geometry.Box{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3]}.Normalize(), nil
	case 8:
		var p geometry.Polygon
		for i := range p {
			p[i] = geometry.Point{X: vals[2*i], Y: vals[2*i+1]}
		}
		return p, nil
	}
	return nil, fmt.Errorf("shape needs 4 (box) or 8 (quadrilateral) values, got %d", len(vals))
}

func (s *Server) handleGeometryIoU(args json.RawMessage) (interface{}, error) {
	var a geometryIoUArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	sa, err := shapeOf(a.A)
	if err != nil {
		return nil, fmt.Errorf("a: %w", err)
	}
	sb, err := shapeOf(a.B)
	if err != nil {
		return nil, fmt.Errorf("b: %w", err)
	}

	res := &geometryResult{Direction: geometry.None.String()}
	// Degenerate shapes overlap nothing.
	if geometry.Validate(sa) != nil || geometry.Validate(sb) != nil {
		res.Degenerate = true
		return res, nil
	}
	res.IoU = geometry.IoU(sa, sb)
	res.Intersection = geometry.IntersectionArea(sa, sb)
	res.AreaA, res.AreaB = sa.Area(), sb.Area()
	res.AContainsB = geometry.Contains(sa, sb)
	res.BContainsA = geometry.Contains(sb, sa)
	res.EdgeDistance = geometry.EdgeDistance(sa, sb)
	res.Distance = geometry.Distance(sa, sb)
	res.Direction = geometry.DirectionalRelation(sa, sb).String()
	return res, nil
}

// === Imagery Handlers ===

type imagePathArgs struct {
	Path string `json:"path"`
}

func (s *Server) handleImageDimensions(args json.RawMessage) (interface{}, error) {
	var a imagePathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return imaging.ReadDimensions(a.Path)
}

type detectionsAnnotateArgs struct {
	recordArgs
	ImagePath  string `json:"image_path"`
	Labels     *bool  `json:"labels"`
	LineWidth  int    `json:"line_width"`
	MaxSize    int    `json:"max_size"`
	OutputPath string `json:"output_path"`
}

type savedImage struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Server) handleDetectionsAnnotate(args json.RawMessage) (interface{}, error) {
	var a detectionsAnnotateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	img, err := s.cache.Load(a.ImagePath)
	if err != nil {
		return nil, err
	}
	if a.Width <= 0 && a.Height <= 0 {
		a.Width, a.Height = img.Bounds().Dx(), img.Bounds().Dy()
	}
	set, _, err := s.readSet(a.recordArgs)
	if err != nil {
		return nil, err
	}

	opts := imaging.AnnotateOptions{LineWidth: a.LineWidth, Labels: true, MaxSize: a.MaxSize}
	if a.Labels != nil {
		opts.Labels = *a.Labels
	}
	out := imaging.Annotate(img, set.Detections, imaging.NewPalette(s.classes().Names()), opts)
	if a.OutputPath != "" {
		if err := imaging.Save(a.OutputPath, out); err != nil {
			return nil, err
		}
		return &savedImage{Path: a.OutputPath, Width: out.Bounds().Dx(), Height: out.Bounds().Dy()}, nil
	}
	return imaging.EncodePNG(out)
}

type detectionsCropArgs struct {
	recordArgs
	ImagePath string  `json:"image_path"`
	Index     int     `json:"index"`
	Pad       int     `json:"pad"`
	Scale     float64 `json:"scale"`
}

func (s *Server) handleDetectionsCrop(args json.RawMessage) (interface{}, error) {
	var a detectionsCropArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.Scale == 0 {
		a.Scale = 1.0
	}
	img, err := s.cache.Load(a.ImagePath)
	if err != nil {
		return nil, err
	}
	if a.Width <= 0 && a.Height <= 0 {
		a.Width, a.Height = img.Bounds().Dx(), img.Bounds().Dy()
	}
	set, _, err := s.readSet(a.recordArgs)
	if err != nil {
		return nil, err
	}
	d, ok := set.ByIndex(a.Index)
	if !ok {
		return nil, fmt.Errorf("no detection with index %d", a.Index)
	}
	return imaging.CropDetection(img, d.Shape, a.Pad, a.Scale)
}
