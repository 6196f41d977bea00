//go:build !linux

package logger

func isTerminal(fd uintptr) bool { return false }
