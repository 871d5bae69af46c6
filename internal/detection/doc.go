// Package detection holds the in-memory model of detector output and the text
// record formats it is exchanged in.
//
// # Record Formats
//
// Each record file holds the detections of one image, one per line, fields
// separated by whitespace:
//
//	oriented:    class_name confidence x1 y1 x2 y2 x3 y3 x4 y4
//	normalized:  class_id cx cy w h confidence
//
// Oriented corners are pixel coordinates. Normalized geometry is relative to the
// image size and is converted to pixel space on load, so every [Detection] in
// memory shares one coordinate frame. Ground-truth files use the same schemas
// with the confidence field absent or ignored.
//
// # Malformed Input
//
// Lines with the wrong field count, non-numeric values, a confidence outside
// [0,1] or normalized coordinates outside [0,1] are skipped. Each one is logged,
// recorded as a [ParseError] and counted in [ParseStats]; a bad line never aborts
// a file.
//
// # Identity
//
// A detection is identified by its image id (the record file stem) and its
// Index, the position among the valid records of that file. Downstream stages
// refer to detections by that pair only.
//
// # Output
//
// Refined files are written in the input schema, one file per image, sorted by
// descending confidence with ties kept in input order.
package detection
