//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package termguard

import "golang.org/x/sys/unix"

const (
	getTermios      = unix.TIOCGETA
	setTermiosDrain = unix.TIOCSETAW
)
