// Package imaging renders detections onto the images they were made from.
//
// It loads and caches source images, resolves image sizes for denormalizing
// YOLO-style records, draws class-colored detection outlines with optional
// labels and coordinate grid, and crops detection chips.
//
// # Coordinate System
//
// All pixel coordinates in this package are 0-based:
//   - X: horizontal position (0 = leftmost pixel)
//   - Y: vertical position (0 = topmost pixel)
//   - For regions, (x1,y1) is inclusive (top-left), (x2,y2) is exclusive (bottom-right)
//
// Detection shapes use the same pixel space, so a detection read from an
// oriented record is drawn exactly where its corners lie.
//
// # Thread Safety
//
// ImageCache and Sizer are safe for concurrent use. Annotate and Crop never
// modify their input image and can be called concurrently.
//
// # Performance Considerations
//
// Sizer reads only image headers. Use ImageCache when the same image is
// rendered more than once, and Evict it afterwards to bound memory.
package imaging
