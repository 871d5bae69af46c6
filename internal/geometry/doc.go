// Package geometry provides the shape primitives and spatial predicates shared by
// every stage of the detection post-processing pipeline.
//
// Two shape kinds are supported: axis-aligned boxes ([Box]) and oriented
// quadrilaterals ([Polygon]). Both implement [Shape], and every predicate in this
// package accepts any mix of the two.
//
// # Coordinate System
//
// All coordinates are in pixel space with the origin at the top-left corner of the
// image, X increasing rightward and Y increasing downward. Normalized detector
// output must be converted with [FromYOLO] before it is compared with anything
// else; mixing normalized and pixel shapes produces meaningless results.
//
// # Degenerate Input
//
// Predicates never fail. A shape that is zero-area, non-finite, non-convex or
// self-intersecting yields IoU 0, coverage 0 and containment false. Callers that
// need to count such shapes use [Validate], which reports the reason wrapped in
// [ErrDegenerate].
//
// # Thread Safety
//
// Every function is pure and safe for concurrent use.
package geometry
