package playmux

// WithLauncher exposes the launcher override to the package's external tests
// without widening the public API.
var WithLauncher = withLauncher
