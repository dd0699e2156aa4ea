// Package core implements the worker pool machinery: configuration
// resolution, instance lifecycle, fair lease scheduling, and background
// health supervision.
//
// The package is internal; the exported surface of the module lives in the
// root playmux package, which wraps these types behind narrow interfaces.
package core
