// Package termguard saves the controlling terminal's state before an
// interactive child runs and puts it back afterwards.
//
// A shell running on a pseudo-terminal can leave the real terminal in raw
// mode or with echo disabled when it dies abnormally. Acquire records the
// termios attributes and the terminfo rs2 reset string; Release restores
// the attributes and emits rs2. Release is meant to be deferred around the
// whole chroot-entry phase, so mount failures before the spawn still
// restore the terminal.
package termguard

import (
	"io"
	"os"
	"regexp"
	"sync"

	"github.com/xo/terminfo"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Guard holds a saved terminal state. The zero value and guards acquired
// on a non-terminal are inert.
type Guard struct {
	mu       sync.Mutex
	fd       int
	saved    *unix.Termios
	reset    []byte
	out      io.Writer
	released bool
}

// Acquire captures the state of in if it is a terminal. The reset string
// is written to out on Release.
func Acquire(in *os.File, out io.Writer) *Guard {
	g := &Guard{out: out}
	if in == nil || !term.IsTerminal(int(in.Fd())) {
		return g
	}

	fd := int(in.Fd())
	saved, err := unix.IoctlGetTermios(fd, getTermios)
	if err != nil {
		return g
	}
	g.fd = fd
	g.saved = saved
	g.reset = resetString()
	return g
}

// Active reports whether a terminal state was captured.
func (g *Guard) Active() bool {
	return g != nil && g.saved != nil
}

// Release restores the captured attributes, draining pending output
// first, and writes the reset string. It is safe to call more than once;
// only the first call has an effect.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released || g.saved == nil {
		g.released = true
		return nil
	}
	g.released = true

	if err := unix.IoctlSetTermios(g.fd, setTermiosDrain, g.saved); err != nil {
		return err
	}
	if len(g.reset) > 0 && g.out != nil {
		if _, err := g.out.Write(g.reset); err != nil {
			return err
		}
	}
	return nil
}

// resetString looks up rs2 for $TERM. Terminals without a terminfo entry
// or without rs2 get no reset string.
func resetString() []byte {
	ti, err := terminfo.LoadFromEnv()
	if err != nil {
		return nil
	}
	return stripPadding(ti.Strings[terminfo.Reset2string])
}

var paddingRe = regexp.MustCompile(`\$<[0-9.]+\*?/?>`)

// stripPadding removes terminfo delay specifications such as "$<100>",
// which are instructions for putp rather than bytes for the terminal.
func stripPadding(s []byte) []byte {
	if len(s) == 0 {
		return nil
	}
	return paddingRe.ReplaceAll(s, nil)
}
