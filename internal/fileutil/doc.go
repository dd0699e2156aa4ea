// Package fileutil provides small filesystem helpers shared by the worker
// and blob storage layers.
package fileutil
