// Package server implements the MCP (Model Context Protocol) server exposing
// the detection post-processing core as tools.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
// Detections (one image, read from a record file or passed inline):
//   - detections_load: Parse records and report skipped lines
//   - detections_nms: Class-wise non-maximum suppression
//   - detections_refine: Rule-based confidence adjustment with provenance
//
// Relations and graph:
//   - relations_extract: Spatial relations between detections and zones
//   - graph_build: Category graph over a directory, with DOT/Prolog/CSV export
//
// Scoring:
//   - evaluate: AP and mAP of a prediction directory against ground truth
//   - geometry_iou: IoU, containment, distance and direction of two shapes
//
// Imagery:
//   - image_dimensions: Width and height from the image header
//   - detections_annotate: Draw detections onto their image
//   - detections_crop: Extract one detection as a PNG chip
//
// Omitted arguments (thresholds, class map, rule and zone files) fall back to
// the configuration the server was created with.
//
// # Image Caching
//
// Source images are cached by path and reused across tool calls for the
// lifetime of the server process.
//
// # Error Handling
//
// Tool execution errors are returned as JSON-RPC error responses with:
//   - code: -32000 (tool execution failure) or standard JSON-RPC codes
//   - message: Human-readable error description
//   - data: The Go error string
//
// # Usage
//
//	srv := server.New(server.WithConfig(cfg), server.WithLogger(logger))
//	if err := srv.Run(); err != nil {
//	    return err
//	}
package server
