//go:build !linux

package main

import "fmt"

// daemonize is not supported outside Linux; the original Daemon.cpp is
// itself a POSIX-only facility.
func daemonize() error {
	return fmt.Errorf("daemonize: -d is only supported on linux")
}
