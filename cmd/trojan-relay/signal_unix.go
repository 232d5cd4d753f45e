//go:build !windows

package main

import (
	"os"
	"syscall"
)

func platformSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP, syscall.SIGUSR1}
}

func isRestartSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}

func isCertReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
