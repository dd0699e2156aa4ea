// Package sentinel provides a const-friendly error type for sentinel errors
// that are compared with errors.Is across package boundaries.
package sentinel
