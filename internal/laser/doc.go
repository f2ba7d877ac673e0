// Package laser defines the point model shared by every stage of the
// streaming engine: Points (one hardware sample), Vertices, Paths and Frames
// (what the application draws), the safety Rect, and the error and event
// kinds surfaced to the application.
//
// Coordinates are normalised to [-1, 1] on both axes with +Y up. Colour
// channels are intensities in [0, 1]. A blanked point moves the galvos with
// the light sources off.
package laser
