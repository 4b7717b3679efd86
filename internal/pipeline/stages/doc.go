// Package stages holds the built-in image transformations: matte estimation,
// composition onto a solid background, and the branding text overlay. They
// stand in for heavier model-backed implementations behind the same Stage
// interface and are drop-in replaceable.
package stages
