package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"ansible-chroot/config"
	"ansible-chroot/log"
	"ansible-chroot/overlay"
	"ansible-chroot/runner"
)

type testEnv struct {
	orch   *Orchestrator
	mock   *runner.MockExecutor
	trace  *bytes.Buffer
	logger *log.MemoryLogger
}

func newTestEnv(t *testing.T, policy runner.Policy) *testEnv {
	t.Helper()
	mock := runner.NewMockExecutor()
	trace := &bytes.Buffer{}
	logger := log.NewMemoryLogger()
	r := runner.New(runner.Options{
		Policy:   policy,
		Executor: mock,
		Trace:    trace,
		Logger:   logger,
	})

	orch, err := New(config.Default(), r)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orch.stdin = nil
	return &testEnv{orch: orch, mock: mock, trace: trace, logger: logger}
}

// mountTable renders points in mount(8) output format.
func mountTable(points ...string) string {
	var b strings.Builder
	for _, p := range points {
		fmt.Fprintf(&b, "none on %s type none (rw)\n", p)
	}
	return b.String()
}

func bindCommands(target string) []string {
	return []string{
		"mount --bind /sys " + target + "/sys",
		"mount --bind /proc " + target + "/proc",
		"mount --bind /dev " + target + "/dev",
		"mount --bind /dev/pts " + target + "/dev/pts",
	}
}

func umountCommands(target string) []string {
	return []string{
		"umount " + target + "/dev/pts",
		"umount " + target + "/sys",
		"umount " + target + "/proc",
		"umount " + target + "/dev",
	}
}

func mountedTable(target string) string {
	return mountTable(target+"/sys", target+"/proc", target+"/dev", target+"/dev/pts")
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		want Action
	}{
		{"", Chroot},
		{"chroot", Chroot},
		{"mount", Mount},
		{"umount", Umount},
		{"mount-overlay-rw", MountOverlayRW},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.name)
		if err != nil {
			t.Errorf("ParseAction(%q) failed: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAction(%q) = %v, want %v", tt.name, got, tt.want)
		}
		if tt.name != "" && got.String() != tt.name {
			t.Errorf("String() = %q, want %q", got.String(), tt.name)
		}
	}

	_, err := ParseAction("remount")
	var unknown *UnknownActionError
	if !errors.As(err, &unknown) || unknown.Action != "remount" {
		t.Errorf("expected UnknownActionError for remount, got %v", err)
	}
}

func TestPerform_RejectsTarget(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})

	for _, target := range []string{"/", "//", "relative/dir", ""} {
		err := env.orch.Perform(context.Background(), Request{Action: Mount, Target: target})
		var setupErr *ErrSetupFailed
		if !errors.As(err, &setupErr) || setupErr.Op != "target" {
			t.Errorf("target %q: expected target error, got %v", target, err)
		}
	}
	if n := env.mock.GetCallCount(); n != 0 {
		t.Errorf("expected no commands, got %d", n)
	}
}

func TestPerform_UnknownAction(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})

	err := env.orch.Perform(context.Background(), Request{Action: Action(42), Target: "/srv/c1"})
	var unknown *UnknownActionError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownActionError, got %v", err)
	}
	if unknown.Action != "Action(42)" {
		t.Errorf("Action = %q", unknown.Action)
	}
}

func TestMount_NoOverlay(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()

	err := env.orch.Perform(context.Background(), Request{Action: Mount, Target: target})
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	if got, want := env.mock.Commands(false), bindCommands(target); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q\nwant %q", got, want)
	}
}

func TestMount_Overlays(t *testing.T) {
	src := t.TempDir()
	image := filepath.Join(t.TempDir(), "rootfs.img")
	if err := os.WriteFile(image, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		spec   overlay.Spec
		source []string
	}{
		{"self", overlay.Spec{Kind: overlay.Self}, nil},
		{"directory", overlay.Spec{Kind: overlay.Directory, Source: src}, []string{"mount", "--bind", src}},
		{"file", overlay.Spec{Kind: overlay.File, Source: image}, []string{"mount", image}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, runner.Policy{})
			target := filepath.Join(t.TempDir(), "c1")

			err := env.orch.Perform(context.Background(), Request{
				Action:  Mount,
				Target:  target,
				Overlay: tt.spec,
			})
			if err != nil {
				t.Fatalf("Mount failed: %v", err)
			}

			want := []string{
				"mkdir -p " + target,
				"mkdir -p " + target + ".overlay/upper",
				"mkdir -p " + target + ".overlay/work",
			}
			if tt.source != nil {
				want = append(want, strings.Join(append(tt.source, target), " "))
			}
			want = append(want, fmt.Sprintf(
				"mount -t overlay -o lowerdir=%s,upperdir=%s.overlay/upper,workdir=%s.overlay/work overlay %s",
				target, target, target, target))
			want = append(want, bindCommands(target)...)

			got := env.mock.Commands(false)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("commands =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
			}
			for _, cmd := range got {
				fields := strings.Fields(cmd)
				if dest := fields[len(fields)-1]; !strings.HasPrefix(dest, target) {
					t.Errorf("%q operates outside %s", cmd, target)
				}
			}
		})
	}
}

func TestMount_ExistingDirectoriesNotRecreated(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := filepath.Join(t.TempDir(), "c1")
	for _, dir := range []string{target, target + ".overlay/upper", target + ".overlay/work"} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.orch.Mount(context.Background(), target, overlay.Spec{Kind: overlay.Self}); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	for _, cmd := range env.mock.Commands(false) {
		if strings.HasPrefix(cmd, "mkdir") {
			t.Errorf("unexpected %q", cmd)
		}
	}
}

func TestMount_FailureStops(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.ExitCodes["mount --bind /proc "+target+"/proc"] = 32

	err := env.orch.Mount(context.Background(), target, overlay.Spec{})

	var setupErr *ErrSetupFailed
	if !errors.As(err, &setupErr) || setupErr.Op != "bind /proc" {
		t.Fatalf("expected bind /proc setup error, got %v", err)
	}
	var cmdErr *runner.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 32 {
		t.Errorf("expected CommandError exit 32, got %v", err)
	}
	if n := len(env.mock.Commands(false)); n != 2 {
		t.Errorf("expected 2 commands before failure, got %d", n)
	}
}

func TestMountOverlayRW(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := filepath.Join(t.TempDir(), "c1")

	err := env.orch.Perform(context.Background(), Request{Action: MountOverlayRW, Target: target})
	if err != nil {
		t.Fatalf("MountOverlayRW failed: %v", err)
	}

	want := []string{
		"mkdir -p " + target,
		"mkdir -p " + target + ".overlay/upper",
		"mkdir -p " + target + ".overlay/work",
		"mkdir -p " + target + ".overlay/empty",
		fmt.Sprintf("mount -t overlay -o lowerdir=%s.overlay/empty,upperdir=%s.overlay/upper,workdir=%s.overlay/work overlay %s",
			target, target, target, target),
	}
	if got := env.mock.Commands(false); !reflect.DeepEqual(got, want) {
		t.Errorf("commands =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestUmount(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := "/srv/c1"
	env.mock.Outputs["mount"] = mountTable(
		"/",
		"/srv/c1",
		"/srv/c1/proc",
		"/srv/c1/sys",
		"/srv/c1/dev",
		"/srv/c1/dev/pts",
		"/srv/c10/proc",
		"/srv/other",
	)

	if err := env.orch.Perform(context.Background(), Request{Action: Umount, Target: target}); err != nil {
		t.Fatalf("Umount failed: %v", err)
	}

	want := append(umountCommands(target), "umount /srv/c1")
	if got := env.mock.Commands(false); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q\nwant %q", got, want)
	}
}

func TestUmount_NothingMounted(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	env.mock.Outputs["mount"] = mountTable("/", "/proc")

	if err := env.orch.Umount(context.Background(), "/srv/c1"); err != nil {
		t.Fatalf("Umount failed: %v", err)
	}
	if got := env.mock.Commands(false); len(got) != 0 {
		t.Errorf("expected no commands, got %q", got)
	}
}

func TestUmount_Failure(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	env.mock.Outputs["mount"] = mountedTable("/srv/c1")
	env.mock.ExitCodes["umount /srv/c1/proc"] = 32

	err := env.orch.Umount(context.Background(), "/srv/c1")

	var cleanupErr *ErrCleanupFailed
	if !errors.As(err, &cleanupErr) {
		t.Fatalf("expected ErrCleanupFailed, got %v", err)
	}
	if len(cleanupErr.Mounts) != 4 {
		t.Errorf("Mounts = %v", cleanupErr.Mounts)
	}
	var cmdErr *runner.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Program != "umount" || cmdErr.ExitCode != 32 {
		t.Errorf("expected umount CommandError, got %v", err)
	}

	want := umountCommands("/srv/c1")[:3]
	if got := env.mock.Commands(false); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestChroot_Sequence(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.Outputs["mount"] = mountedTable(target)

	err := env.orch.Perform(context.Background(), Request{
		Action:  Chroot,
		Host:    "web1",
		Target:  target,
		Command: []string{"/bin/echo", "{inventory_hostname}:{role}"},
		Vars:    map[string]any{"role": "db"},
	})
	if err != nil {
		t.Fatalf("Chroot failed: %v", err)
	}

	want := bindCommands(target)
	want = append(want, "/usr/bin/env LANG=C.UTF-8 HOME=/ /usr/sbin/chroot "+target+" /bin/echo web1:db")
	want = append(want, umountCommands(target)...)
	if got := env.mock.Commands(false); !reflect.DeepEqual(got, want) {
		t.Errorf("commands =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	for _, c := range env.mock.Calls {
		if c.Args[0] == "/usr/bin/env" && !c.Interactive {
			t.Error("chroot command should be spawned interactively")
		}
	}
}

func TestChroot_CreatesMissingTarget(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := filepath.Join(t.TempDir(), "new")

	if err := env.orch.Chroot(context.Background(), Request{Host: "c1", Target: target}); err != nil {
		t.Fatalf("Chroot failed: %v", err)
	}
	if got := env.mock.Commands(false); len(got) == 0 || got[0] != "mkdir -p "+target {
		t.Errorf("first command = %q, want mkdir", got)
	}
}

func TestChroot_Local(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		want    string
	}{
		{"default shell", nil, "/bin/bash"},
		{"templated", []string{"ansible-playbook", "-c", "chroot", "-i", "{chroot_target},", "site.yml"},
			"ansible-playbook -c chroot -i %s, site.yml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, runner.Policy{})
			target := t.TempDir()

			err := env.orch.Chroot(context.Background(), Request{
				Host:    "c1",
				Target:  target,
				Command: tt.command,
				Local:   true,
			})
			if err != nil {
				t.Fatalf("Chroot failed: %v", err)
			}

			want := tt.want
			if strings.Contains(want, "%s") {
				want = fmt.Sprintf(want, target)
			}
			got := env.mock.Commands(false)
			if spawned := got[len(bindCommands(target))]; spawned != want {
				t.Errorf("spawned %q, want %q", spawned, want)
			}
		})
	}
}

func TestChroot_RunFailureStillTearsDown(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.Outputs["mount"] = mountedTable(target)
	env.mock.ExitCodes["/usr/bin/env"] = 3

	err := env.orch.Chroot(context.Background(), Request{Host: "c1", Target: target})

	var cmdErr *runner.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 3 {
		t.Fatalf("expected CommandError exit 3, got %v", err)
	}
	got := env.mock.Commands(false)
	if tail := got[len(got)-4:]; !reflect.DeepEqual(tail, umountCommands(target)) {
		t.Errorf("teardown = %q", tail)
	}
}

func TestChroot_MountFailureStillTearsDown(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.Outputs["mount"] = mountTable(target + "/sys")
	env.mock.ExitCodes["mount --bind /proc "+target+"/proc"] = 32

	err := env.orch.Chroot(context.Background(), Request{Host: "c1", Target: target})

	var setupErr *ErrSetupFailed
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected ErrSetupFailed, got %v", err)
	}
	want := []string{
		"mount --bind /sys " + target + "/sys",
		"mount --bind /proc " + target + "/proc",
		"umount " + target + "/sys",
	}
	if got := env.mock.Commands(false); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q\nwant %q", got, want)
	}
}

func TestChroot_TeardownFailureWins(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.Outputs["mount"] = mountedTable(target)
	env.mock.ExitCodes["/usr/bin/env"] = 3
	env.mock.ExitCodes["umount"] = 1

	err := env.orch.Chroot(context.Background(), Request{Host: "c1", Target: target})

	var cleanupErr *ErrCleanupFailed
	if !errors.As(err, &cleanupErr) {
		t.Fatalf("expected ErrCleanupFailed, got %v", err)
	}
	if !env.logger.HasMessageWithLevel(log.LevelError, "exit(3)") {
		t.Errorf("run error should be logged:\n%s", env.logger.String())
	}
}

func TestChroot_DryRun(t *testing.T) {
	env := newTestEnv(t, runner.NewPolicy(true, true))
	target := filepath.Join(t.TempDir(), "c1")
	env.mock.Outputs["mount"] = mountedTable(target)

	err := env.orch.Chroot(context.Background(), Request{
		Host:    "c1",
		Target:  target,
		Overlay: overlay.Spec{Kind: overlay.Self},
	})
	if err != nil {
		t.Fatalf("Chroot failed: %v", err)
	}

	if got := env.mock.Commands(false); len(got) != 0 {
		t.Errorf("dry run executed %q", got)
	}

	trace := env.trace.String()
	for _, want := range []string{
		"+ mkdir -p " + target + "\n",
		"+ mount -t overlay -o lowerdir=" + target,
		"+ mount --bind /dev/pts " + target + "/dev/pts\n",
		"+ /usr/bin/env LANG=C.UTF-8 HOME=/ /usr/sbin/chroot " + target + "\n",
		"+ umount " + target + "/dev/pts\n",
	} {
		if !strings.Contains(trace, want) {
			t.Errorf("trace missing %q:\n%s", want, trace)
		}
	}
	if strings.Count(trace, "+ mkdir -p "+target+"\n") != 1 {
		t.Errorf("target mkdir traced more than once:\n%s", trace)
	}
}

func TestChroot_CancelledStillTearsDown(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.Outputs["mount"] = mountedTable(target)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.mock.OnCall = func(call runner.MockCall) {
		if call.Interactive {
			cancel()
		}
	}

	err := env.orch.Chroot(ctx, Request{Host: "c1", Target: target})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got := env.mock.Commands(false)
	if tail := got[len(got)-4:]; !reflect.DeepEqual(tail, umountCommands(target)) {
		t.Errorf("teardown = %q", tail)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	env := newTestEnv(t, runner.Policy{})
	target := t.TempDir()
	env.mock.Outputs["mount"] = mountedTable(target)

	sess, err := env.orch.Enter(context.Background(), target, overlay.Spec{})
	if err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if sess.State() != Mounted {
		t.Errorf("State = %v, want mounted", sess.State())
	}

	if err := sess.Run(context.Background(), []string{"/bin/true"}, false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.State() != Running {
		t.Errorf("State = %v, want running", sess.State())
	}

	for i := 0; i < 2; i++ {
		if err := sess.Teardown(context.Background()); err != nil {
			t.Fatalf("Teardown failed: %v", err)
		}
	}
	if sess.State() != Done {
		t.Errorf("State = %v, want done", sess.State())
	}
	if n := env.mock.GetCallCount(); n != 4+1+1+4 {
		t.Errorf("call count = %d, want 10 (binds, spawn, table query, umounts)", n)
	}

	if err := sess.Run(context.Background(), nil, false); err == nil {
		t.Error("Run after Teardown should fail")
	}
}
