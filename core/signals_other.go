//go:build !unix

package core

// handleSignals is a no-op where the worker signal set does not exist
func (w *Worker) handleSignals() func() {
	return func() {}
}
