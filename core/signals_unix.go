//go:build unix

package core

import (
	"os"
	"os/signal"
	"syscall"
)

// handleSignals maps process signals onto the worker:
//
//	SIGTERM, SIGINT  shut down now, killing the in-flight execution
//	SIGQUIT          shut down after the current job
//	SIGUSR1          kill the current child only
//	SIGUSR2          pause
//	SIGCONT          resume
//
// The returned func stops delivery.
func (w *Worker) handleSignals() func() {
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-signals:
				w.logger.Debug("Received signal", "signal", sig.String())
				w.onSignal(sig)
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func (w *Worker) onSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		w.ShutdownNow()
	case syscall.SIGQUIT:
		w.Shutdown()
	case syscall.SIGUSR1:
		w.KillChild()
	case syscall.SIGUSR2:
		w.Pause()
	case syscall.SIGCONT:
		w.Unpause()
	}
}
