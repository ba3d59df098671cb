package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"ansible-chroot/runner"
)

func openPTY(t *testing.T) *os.File {
	t.Helper()
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		t.Skipf("no /dev/ptmx: %v", err)
	}
	t.Cleanup(func() { master.Close() })

	fd := int(master.Fd())
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		t.Skipf("TIOCGPTN: %v", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		t.Skipf("TIOCSPTLCK: %v", err)
	}
	slave, err := os.OpenFile(fmt.Sprintf("/dev/pts/%d", n), os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		t.Skipf("open slave: %v", err)
	}
	t.Cleanup(func() { slave.Close() })
	return slave
}

// The terminal is captured before the target directory is created, so a
// mkdir that disturbs it is undone on the way out.
func TestChroot_TerminalGuardCoversMkdir(t *testing.T) {
	tests := []struct {
		name     string
		mkdirErr bool
	}{
		{"success", false},
		{"mkdir fails", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, runner.Policy{})
			slave := openPTY(t)
			fd := int(slave.Fd())
			env.orch.stdin = slave
			env.orch.termOut = &bytes.Buffer{}

			before, err := unix.IoctlGetTermios(fd, unix.TCGETS)
			if err != nil {
				t.Fatal(err)
			}
			env.mock.OnCall = func(call runner.MockCall) {
				if call.Args[0] != "mkdir" {
					return
				}
				mangled := *before
				mangled.Lflag &^= unix.ECHO | unix.ICANON
				if err := unix.IoctlSetTermios(fd, unix.TCSETSW, &mangled); err != nil {
					t.Errorf("failed to change terminal: %v", err)
				}
			}
			if tt.mkdirErr {
				env.mock.ExitCodes["mkdir"] = 1
			}

			target := filepath.Join(t.TempDir(), "new")
			err = env.orch.Chroot(context.Background(), Request{Host: "c1", Target: target})

			var setupErr *ErrSetupFailed
			if tt.mkdirErr {
				if !errors.As(err, &setupErr) || setupErr.Op != "mkdir" {
					t.Fatalf("err = %v, want mkdir setup failure", err)
				}
				if got := env.mock.Commands(false); len(got) != 1 {
					t.Errorf("commands after failed mkdir: %v", got)
				}
			} else if err != nil {
				t.Fatalf("Chroot failed: %v", err)
			}

			after, err := unix.IoctlGetTermios(fd, unix.TCGETS)
			if err != nil {
				t.Fatal(err)
			}
			if after.Lflag != before.Lflag {
				t.Errorf("Lflag = %#x, want %#x", after.Lflag, before.Lflag)
			}
		})
	}
}
