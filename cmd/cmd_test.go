package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ansible-chroot/config"
	"ansible-chroot/environment"
	"ansible-chroot/rundb"
	"ansible-chroot/runner"

	"github.com/spf13/cobra"
)

type cliEnv struct {
	configDir string
	root      string
	mock      *runner.MockExecutor
	sys       system
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	tmp := t.TempDir()
	root := filepath.Join(tmp, "srv")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}

	inv := filepath.Join(tmp, "hosts.yaml")
	invContent := fmt.Sprintf(`all:
  hosts:
    c1:
      ansible_host: %s/c1
      debootstrap:
        suite: bookworm
        arch: amd64
        variant: minbase
`, root)
	if err := os.WriteFile(inv, []byte(invContent), 0644); err != nil {
		t.Fatal(err)
	}

	ini := fmt.Sprintf(`[Global Configuration]
Inventory = %s
Directory_logs = %s
Database_path = %s
`, inv, filepath.Join(tmp, "logs"), filepath.Join(tmp, "runs.db"))
	if err := os.WriteFile(filepath.Join(tmp, config.ConfigFileName), []byte(ini), 0644); err != nil {
		t.Fatal(err)
	}

	mock := runner.NewMockExecutor()
	return &cliEnv{
		configDir: tmp,
		root:      root,
		mock:      mock,
		sys: system{
			executor:       mock,
			checkPrivilege: func() error { return nil },
		},
	}
}

// run executes one invocation and returns its exit status and output.
func (e *cliEnv) run(newCmd func(system) *cobra.Command, args ...string) (int, string, string) {
	c := newCmd(e.sys)
	var stdout, stderr bytes.Buffer
	c.SetOut(&stdout)
	c.SetErr(&stderr)
	c.SetArgs(append([]string{"--config-dir", e.configDir}, args...))

	code := execute(context.Background(), c, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestChroot_PrintTarget(t *testing.T) {
	env := newCLIEnv(t)
	env.sys.checkPrivilege = func() error { return errors.New("You must be a root") }

	code, stdout, stderr := env.run(newChrootCommand, "--print-target", "-S", ".b", "c1")
	if code != 0 {
		t.Fatalf("exit %d, stderr = %q", code, stderr)
	}
	if want := "c1\t" + env.root + "/c1.b\n"; stdout != want {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
}

func TestChroot_CommandArgumentsNotParsed(t *testing.T) {
	env := newCLIEnv(t)
	target := env.root + "/c1"

	code, _, stderr := env.run(newChrootCommand, "c1", "ls", "-l", "--color")
	if code != 0 {
		t.Fatalf("exit %d, stderr = %q", code, stderr)
	}

	var spawned string
	for _, call := range env.mock.Calls {
		if call.Interactive {
			spawned = call.String()
		}
	}
	want := "/usr/bin/env LANG=C.UTF-8 HOME=/ /usr/sbin/chroot " + target + " ls -l --color"
	if spawned != want {
		t.Errorf("spawned %q, want %q", spawned, want)
	}
}

func TestChroot_Actions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string // Prefix of some executed command
		wantNot string
	}{
		{"mount", []string{"-m", "c1"}, "mount --bind /sys", "/usr/bin/env"},
		{"overlay without value", []string{"--overlay", "-m", "c1"}, "mount -t overlay", "/usr/bin/env"},
		{"overlay false", []string{"--overlay=false", "-m", "c1"}, "mount --bind /proc", "mount -t overlay"},
		{"overlay rw", []string{"--mount-overlay-rw", "c1"}, "mount -t overlay", "mount --bind"},
		{"local", []string{"-l", "c1", "true"}, "true", "/usr/bin/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t)

			code, _, stderr := env.run(newChrootCommand, tt.args...)
			if code != 0 {
				t.Fatalf("exit %d, stderr = %q", code, stderr)
			}

			var found bool
			for _, c := range env.mock.Commands(false) {
				if strings.HasPrefix(c, tt.want) {
					found = true
				}
				if strings.HasPrefix(c, tt.wantNot) {
					t.Errorf("unexpected command %q", c)
				}
			}
			if !found {
				t.Errorf("no command starting with %q in %v", tt.want, env.mock.Commands(false))
			}
		})
	}
}

func TestActionName(t *testing.T) {
	tests := []struct {
		args []string
		want environment.Action
	}{
		{nil, environment.Chroot},
		{[]string{"-m"}, environment.Mount},
		{[]string{"--umount"}, environment.Umount},
		{[]string{"--mount-overlay-rw"}, environment.MountOverlayRW},
		{[]string{"--mount=false"}, environment.Chroot},
	}

	for _, tt := range tests {
		c := newChrootCommand(system{})
		if err := c.ParseFlags(tt.args); err != nil {
			t.Fatalf("ParseFlags(%v) failed: %v", tt.args, err)
		}
		got, err := environment.ParseAction(actionName(c))
		if err != nil {
			t.Errorf("%v: %v", tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%v: action = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestChroot_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing host", nil, "ansible-chroot: the following arguments are required: HOST"},
		{"exclusive actions", []string{"-m", "-u", "c1"}, "ansible-chroot: if any flags in the group"},
		{"unknown flag", []string{"--bogus", "c1"}, "ansible-chroot: unknown flag: --bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t)

			code, _, stderr := env.run(newChrootCommand, tt.args...)
			if code != 1 {
				t.Errorf("exit %d, want 1", code)
			}
			if !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr = %q, want %q", stderr, tt.want)
			}
		})
	}
}

func TestChroot_CommandFailure(t *testing.T) {
	env := newCLIEnv(t)
	env.mock.ExitCodes["/usr/bin/env"] = 2

	code, _, stderr := env.run(newChrootCommand, "c1")
	if code != 1 {
		t.Errorf("exit %d, want 1", code)
	}
	if !strings.Contains(stderr, "ansible-chroot: /usr/bin/env failed: exit(2)") {
		t.Errorf("stderr = %q", stderr)
	}
	if strings.Contains(stderr, "*runner.CommandError") {
		t.Error("error chain printed without --traceback")
	}
}

func TestChroot_Traceback(t *testing.T) {
	env := newCLIEnv(t)
	env.mock.ExitCodes["/usr/bin/env"] = 2

	code, _, stderr := env.run(newChrootCommand, "--traceback", "c1")
	if code != 1 {
		t.Errorf("exit %d, want 1", code)
	}
	if !strings.Contains(stderr, "*runner.CommandError: /usr/bin/env failed: exit(2)") {
		t.Errorf("stderr = %q, want error chain", stderr)
	}
}

func TestVersion(t *testing.T) {
	env := newCLIEnv(t)

	for name, newCmd := range map[string]func(system) *cobra.Command{
		"ansible-chroot":      newChrootCommand,
		"ansible-debootstrap": newDebootstrapCommand,
	} {
		code, stdout, _ := env.run(newCmd, "--version")
		if code != 0 {
			t.Errorf("%s --version exited %d", name, code)
		}
		if want := name + " version " + Version + "\n"; stdout != want {
			t.Errorf("stdout = %q, want %q", stdout, want)
		}
	}
}

func TestDebootstrap(t *testing.T) {
	env := newCLIEnv(t)
	target := env.root + "/c1"

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"plain", []string{"c1"},
			"debootstrap --variant minbase --arch amd64 bookworm " + target},
		{"print debs", []string{"--print-debs", "c1"},
			"debootstrap --print-debs --variant minbase --arch amd64 bookworm " + target + ".debs"},
		{"download only", []string{"--download-only", "c1"},
			"debootstrap --download-only --variant minbase --arch amd64 bookworm " + target},
		{"unpack tarball", []string{"--unpack-tarball", "/tmp/c1.tgz", "c1"},
			"debootstrap --unpack-tarball /tmp/c1.tgz --variant minbase --arch amd64 bookworm " + target},
		{"make tarball", []string{"--make-tarball", "/tmp/c1.tgz", "c1"},
			"debootstrap --make-tarball /tmp/c1.tgz --variant minbase --arch amd64 bookworm " + target + ".debs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.mock.Reset()

			code, _, stderr := env.run(newDebootstrapCommand, tt.args...)
			if code != 0 {
				t.Fatalf("exit %d, stderr = %q", code, stderr)
			}
			got := env.mock.Commands(false)
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("commands = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestDebootstrap_Errors(t *testing.T) {
	env := newCLIEnv(t)

	code, _, stderr := env.run(newDebootstrapCommand, "c1", "extra")
	if code != 1 || !strings.Contains(stderr, "ansible-debootstrap: unrecognized arguments: extra") {
		t.Errorf("exit %d, stderr = %q", code, stderr)
	}

	code, _, stderr = env.run(newDebootstrapCommand, "--print-debs", "--download-only", "c1")
	if code != 1 || !strings.Contains(stderr, "ansible-debootstrap: ") {
		t.Errorf("exit %d, stderr = %q", code, stderr)
	}
}

func TestHistory(t *testing.T) {
	env := newCLIEnv(t)

	code, stdout, _ := env.run(newChrootCommand, "--history")
	if code != 0 || !strings.Contains(stdout, "No runs recorded.") {
		t.Fatalf("exit %d, stdout = %q", code, stdout)
	}

	if code, _, stderr := env.run(newChrootCommand, "-m", "c1"); code != 0 {
		t.Fatalf("mount exited %d: %s", code, stderr)
	}
	env.mock.ExitCodes["debootstrap"] = 1
	env.run(newDebootstrapCommand, "c1")

	code, stdout, stderr := env.run(newChrootCommand, "--history=5")
	if code != 0 {
		t.Fatalf("exit %d, stderr = %q", code, stderr)
	}
	for _, want := range []string{"ansible-chroot", "ansible-debootstrap", "success", "failed"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("history does not mention %q:\n%s", want, stdout)
		}
	}
}

func TestPrintError(t *testing.T) {
	inner := &runner.CommandError{Program: "umount", ExitCode: 32}
	err := fmt.Errorf("teardown: %w", inner)

	var buf bytes.Buffer
	printError(&buf, "ansible-chroot", err, false)
	if want := "ansible-chroot: teardown: umount failed: exit(32)\n"; buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	printError(&buf, "ansible-chroot", err, true)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "  *fmt.wrapError: ") {
		t.Errorf("line 2 = %q", lines[2])
	}
	if lines[3] != "    *runner.CommandError: umount failed: exit(32)" {
		t.Errorf("line 3 = %q", lines[3])
	}
}

func TestShowRun(t *testing.T) {
	env := newCLIEnv(t)

	if code, _, stderr := env.run(newChrootCommand, "-m", "c1"); code != 0 {
		t.Fatalf("mount exited %d: %s", code, stderr)
	}
	transcripts, err := filepath.Glob(filepath.Join(env.configDir, "logs", "runs", "*.log"))
	if err != nil || len(transcripts) != 1 {
		t.Fatalf("transcripts = %v, %v", transcripts, err)
	}
	id := strings.TrimSuffix(filepath.Base(transcripts[0]), ".log")

	code, stdout, stderr := env.run(newChrootCommand, "--show-run", id)
	if code != 0 {
		t.Fatalf("exit %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "mount --bind /sys "+env.root+"/c1/sys") {
		t.Errorf("transcript = %q", stdout)
	}

	code, stdout, _ = env.run(newDebootstrapCommand, "--show-run", id, "--tail", "1")
	if code != 0 || strings.Count(stdout, "\n") != 1 {
		t.Errorf("exit %d, tail = %q", code, stdout)
	}

	code, _, stderr = env.run(newChrootCommand, "--show-run", "ffffffff")
	if code != 1 || !strings.Contains(stderr, "no transcript for run ffffffff") {
		t.Errorf("exit %d, stderr = %q", code, stderr)
	}
}

func TestRenderHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runs := []rundb.RunRecord{
		{ID: "run-crashed", Program: "ansible-chroot", Host: "c1", Action: "chroot",
			Status: rundb.StatusRunning, StartTime: start},
		{ID: "run-failed", Program: "ansible-debootstrap", Host: "c2", Action: "bootstrap",
			Status: rundb.StatusFailed, Error: "debootstrap failed: exit(1)\nmore detail",
			StartTime: start, EndTime: start.Add(75 * time.Second)},
	}

	var buf bytes.Buffer
	if err := renderHistory(&buf, runs); err != nil {
		t.Fatalf("renderHistory failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"run-crashed", "running", "debootstrap failed: exit(1)", "1m15s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "more detail") {
		t.Errorf("only the first error line should be shown:\n%s", out)
	}
}
