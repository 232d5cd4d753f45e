//go:build windows

package main

import "os"

// Windows has no restart or reload signals; use the control socket.
func platformSignals() []os.Signal { return nil }

func isRestartSignal(os.Signal) bool { return false }

func isCertReloadSignal(os.Signal) bool { return false }
