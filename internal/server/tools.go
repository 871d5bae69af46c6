package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// recordProperties are the arguments every tool that reads one image's
// detections accepts. Either path or records must be given.
func recordProperties() map[string]interface{} {
	return map[string]interface{}{
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Absolute path to a detection record file (<image_id>.txt)",
		},
		"records": map[string]interface{}{
			"type":        "string",
			"description": "Record lines passed inline instead of a file, one detection per line",
		},
		"image_id": map[string]interface{}{
			"type":        "string",
			"description": "Image id for inline records. Default \"image\"",
		},
		"format": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"auto", "normalized", "oriented"},
			"description": "Record schema: normalized is 'class_id cx cy w h conf', oriented is 'class conf x1 y1 ... x4 y4'. Default from the server configuration",
		},
		"ground_truth": map[string]interface{}{
			"type":        "boolean",
			"description": "Accept ground-truth lines without a confidence field",
			"default":     false,
		},
		"width": map[string]interface{}{
			"type":        "integer",
			"description": "Image width used to denormalize normalized records",
		},
		"height": map[string]interface{}{
			"type":        "integer",
			"description": "Image height used to denormalize normalized records",
		},
	}
}

// withProperties returns the record properties extended by extra.
func withProperties(extra map[string]interface{}) map[string]interface{} {
	props := recordProperties()
	for k, v := range extra {
		props[k] = v
	}
	return props
}

var nmsProperties = map[string]interface{}{
	"iou_threshold": map[string]interface{}{
		"type":        "number",
		"description": "Overlap above which the lower-confidence detection is dropped, in (0, 1]. Default 0.6",
	},
	"class_agnostic": map[string]interface{}{
		"type":        "boolean",
		"description": "Suppress across classes instead of within each class",
		"default":     false,
	},
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Detections
		{
			Name:        "detections_load",
			Description: "Parse a detection record file and return every valid detection with its outline. Malformed lines are skipped and reported.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": recordProperties(),
			},
		},
		{
			Name:        "detections_nms",
			Description: "Apply class-wise non-maximum suppression to one image's detections and return the survivors ordered by confidence.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": withProperties(nmsProperties),
			},
		},
		{
			Name:        "detections_refine",
			Description: "Adjust detection confidences with the symbolic rules. Returns the original and adjusted confidence and the rules that fired for every detection.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(map[string]interface{}{
					"rules_file": map[string]interface{}{
						"type":        "string",
						"description": "YAML rule file. Default from the server configuration",
					},
					"zones_file": map[string]interface{}{
						"type":        "string",
						"description": "YAML zone file. Default from the server configuration",
					},
					"nms": map[string]interface{}{
						"type":        "boolean",
						"description": "Run non-maximum suppression before the rules",
						"default":     false,
					},
					"iou_threshold":  nmsProperties["iou_threshold"],
					"class_agnostic": nmsProperties["class_agnostic"],
				}),
			},
		},

		// Relations and graph
		{
			Name:        "relations_extract",
			Description: "Classify spatial relations (contains, located_on, adjacent_to, near, co_occurs) between the detections of one image, and between detections and configured zones.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(map[string]interface{}{
					"zones_file": map[string]interface{}{
						"type":        "string",
						"description": "YAML zone file. Default from the server configuration",
					},
				}),
			},
		},
		{
			Name:        "graph_build",
			Description: "Aggregate the relations of every record file in a directory into a category-level knowledge graph. Optionally returns one image's instance graph and a DOT, Prolog or CSV rendering.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"dir": map[string]interface{}{
						"type":        "string",
						"description": "Directory of <image_id>.txt record files",
					},
					"format": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"auto", "normalized", "oriented"},
						"description": "Record schema. Default from the server configuration",
					},
					"image_id": map[string]interface{}{
						"type":        "string",
						"description": "Also return the instance graph of this image",
					},
					"export": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"json", "dot", "prolog", "csv"},
						"description": "Additional rendering of the category graph",
						"default":     "json",
					},
				},
				"required": []string{"dir"},
			},
		},

		// Scoring
		{
			Name:        "evaluate",
			Description: "Score a prediction directory against a ground-truth directory: per-class AP at IoU 0.5, 0.75 and 0.5:0.95, precision, recall and mAP. Images without ground truth are excluded and reported.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"predictions_dir": map[string]interface{}{
						"type":        "string",
						"description": "Directory of prediction record files",
					},
					"ground_truth_dir": map[string]interface{}{
						"type":        "string",
						"description": "Directory of ground-truth record files",
					},
					"format": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"auto", "normalized", "oriented"},
						"description": "Record schema for both directories",
					},
					"thresholds": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "number"},
						"description": "IoU thresholds averaged into mAP@.5:.95. Default 0.50 to 0.95 in steps of 0.05",
					},
					"interpolation": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"all_points", "11_point"},
						"description": "Precision interpolation used for AP",
					},
				},
				"required": []string{"predictions_dir", "ground_truth_dir"},
			},
		},
		{
			Name:        "geometry_iou",
			Description: "Compare two shapes: IoU, intersection, containment, edge and centroid distance, and direction. Each shape is a box [x1, y1, x2, y2] or a quadrilateral [x1, y1, ..., x4, y4].",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"a": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "number"},
						"description": "First shape, 4 or 8 values",
					},
					"b": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "number"},
						"description": "Second shape, 4 or 8 values",
					},
				},
				"required": []string{"a", "b"},
			},
		},

		// Imagery
		{
			Name:        "image_dimensions",
			Description: "Get the width and height of an image file without decoding its pixels.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the image file",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "detections_annotate",
			Description: "Draw detections onto their image with per-class colours and 'class confidence' labels. Returns a base64 PNG, or writes the file when output_path is set.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(map[string]interface{}{
					"image_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the source image",
					},
					"labels": map[string]interface{}{
						"type":        "boolean",
						"description": "Draw class and confidence labels",
						"default":     true,
					},
					"line_width": map[string]interface{}{
						"type":        "integer",
						"description": "Outline width in pixels. Default 2",
						"default":     2,
					},
					"max_size": map[string]interface{}{
						"type":        "integer",
						"description": "Fit the result within this many pixels on each side",
					},
					"output_path": map[string]interface{}{
						"type":        "string",
						"description": "Write the image here (.png or .jpg) instead of returning it",
					},
				}),
				"required": []string{"image_path"},
			},
		},
		{
			Name:        "detections_crop",
			Description: "Crop the bounding region of one detection from its image and return it as base64-encoded PNG. Use this to inspect a detection up close.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(map[string]interface{}{
					"image_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the source image",
					},
					"index": map[string]interface{}{
						"type":        "integer",
						"description": "Index of the detection in the record file",
					},
					"pad": map[string]interface{}{
						"type":        "integer",
						"description": "Pixels of context added on each side",
						"default":     0,
					},
					"scale": map[string]interface{}{
						"type":        "number",
						"description": "Optional scale factor (e.g., 2.0 to double size). Default 1.0",
						"default":     1.0,
					},
				}),
				"required": []string{"image_path", "index"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
