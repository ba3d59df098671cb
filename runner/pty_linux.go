//go:build linux

package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// RunInteractive runs args on a freshly allocated pseudo-terminal, relaying
// the caller's terminal to it in raw mode. When stdin is not a terminal
// there is nothing to relay and the command runs with plain stdio.
//
// The caller is expected to hold a termguard.Guard around this call so the
// terminal is restored even if the relay is torn down abruptly.
func (e *SystemExecutor) RunInteractive(ctx context.Context, args []string) (int, error) {
	if e.Stdin == nil || !term.IsTerminal(int(e.Stdin.Fd())) {
		return e.Run(ctx, args)
	}
	stdinFd := int(e.Stdin.Fd())

	master, slavePath, err := openPTY()
	if err != nil {
		return -1, fmt.Errorf("allocate PTY: %w", err)
	}
	defer master.Close()

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}

	syncWindowSize(stdinFd, int(master.Fd()))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		return -1, err
	}
	// Close slave in parent, the child has its own copy via fd 0/1/2.
	slave.Close()

	oldState, err := term.MakeRaw(stdinFd)
	if err == nil {
		defer term.Restore(stdinFd, oldState)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			syncWindowSize(stdinFd, int(master.Fd()))
		}
	}()

	// Keyboard to child, until the child is gone.
	relay, err := startRelay(master, stdinFd)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return -1, fmt.Errorf("relay stdin: %w", err)
	}

	// Child to screen. Reading the master returns EIO once the last
	// slave descriptor is closed, which is the normal end of output.
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		io.Copy(e.Stdout, master)
	}()

	code, waitErr := exitStatus(cmd.Wait())
	relay.stop()
	<-outputDone
	signal.Stop(winch)
	close(winch)
	return code, waitErr
}

// inputRelay copies a terminal to the PTY master. Reads are gated by
// poll(2) on the input and a cancel pipe, so stop leaves no goroutine
// blocked on the terminal to swallow keystrokes meant for the caller.
type inputRelay struct {
	cancelR *os.File
	cancelW *os.File
	done    chan struct{}
}

func startRelay(dst io.Writer, inFd int) (*inputRelay, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	relay := &inputRelay{cancelR: r, cancelW: w, done: make(chan struct{})}
	go func() {
		defer close(relay.done)
		relayInput(dst, inFd, int(r.Fd()))
	}()
	return relay, nil
}

// stop ends the relay and waits for its goroutine to return.
func (r *inputRelay) stop() {
	r.cancelW.Close()
	<-r.done
	r.cancelR.Close()
}

// relayInput copies inFd to dst until cancelFd becomes readable or hangs
// up, inFd reaches end of file, or a write fails.
func relayInput(dst io.Writer, inFd, cancelFd int) error {
	buf := make([]byte, 4096)
	fds := []unix.PollFd{
		{Fd: int32(inFd), Events: unix.POLLIN},
		{Fd: int32(cancelFd), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if fds[1].Revents != 0 {
			return nil
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, err := unix.Read(inFd, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err != nil:
			return err
		case n == 0:
			return nil
		}
	}
}

// openPTY allocates a PTY master/slave pair using the Linux devpts interface.
// Returns the master as an *os.File and the filesystem path to the slave.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
	}

	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// syncWindowSize copies the terminal size of from onto the PTY master to.
// Setting it raises SIGWINCH in the child's foreground process group.
func syncWindowSize(from, to int) {
	ws, err := unix.IoctlGetWinsize(from, unix.TIOCGWINSZ)
	if err != nil {
		return
	}
	unix.IoctlSetWinsize(to, unix.TIOCSWINSZ, ws)
}
