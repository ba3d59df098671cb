// Package service provides the operations behind ansible-chroot and
// ansible-debootstrap.
//
// The service layer sits between the CLI (cmd/) and the library packages
// (inventory, environment, debootstrap, rundb):
//
//   - CLI layer: flag parsing, signal handling, error printing
//   - Service layer: privilege check, host selection, run records, logs
//   - Library layer: mounts, overlays, command building, no I/O policy
//
// All library packages log through log.LibraryLogger; the service decides
// whether that ends up in the log files, on stderr, or both.
package service

import (
	"fmt"
	"io"
	"os"
	"time"

	"ansible-chroot/config"
	"ansible-chroot/debootstrap"
	"ansible-chroot/log"
	"ansible-chroot/privilege"
	"ansible-chroot/rundb"
	"ansible-chroot/runner"
)

// Options configures a Service. Zero values select the real system:
// process stdio, the system executor and the superuser check.
type Options struct {
	Config   *config.Config
	Verbose  bool // Copy info and debug messages to stderr
	Stdin    *os.File
	Stdout   io.Writer
	Stderr   io.Writer
	Executor runner.Executor

	// CheckPrivilege runs before any mutating action.
	CheckPrivilege func() error
}

// Service coordinates one invocation of either tool.
//
// Usage:
//
//	svc, err := service.NewService(service.Options{Config: cfg})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	_, err = svc.Chroot(ctx, service.ChrootOptions{Pattern: "web1"})
type Service struct {
	cfg      *config.Config
	logger   *log.Logger // nil when the log directory is not writable
	console  log.StderrLogger
	lib      log.LibraryLogger
	db       *rundb.DB
	dbFailed bool

	stdin          *os.File
	stdout         io.Writer
	stderr         io.Writer
	executor       runner.Executor
	checkPrivilege func() error
	now            func() time.Time
	osRelease      string
}

// NewService creates a Service. Failing to open the log files is not an
// error: unprivileged commands such as --print-target must keep working,
// so messages then go to stderr only.
func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("service: no configuration")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Service{
		cfg:            opts.Config,
		stdin:          opts.Stdin,
		stdout:         opts.Stdout,
		stderr:         opts.Stderr,
		executor:       opts.Executor,
		checkPrivilege: opts.CheckPrivilege,
		now:            time.Now,
		osRelease:      debootstrap.DefaultOSRelease,
	}
	if s.stdin == nil {
		s.stdin = os.Stdin
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	if s.executor == nil {
		s.executor = runner.NewSystemExecutor()
	}
	if s.checkPrivilege == nil {
		s.checkPrivilege = privilege.EnsureSuperuser
	}

	s.console = log.StderrLogger{Verbose: opts.Verbose, Out: s.stderr}
	logger, err := log.NewLogger(s.cfg)
	if err != nil {
		s.lib = s.console
		s.console.Debug("file logging disabled: %v", err)
	} else {
		s.logger = logger
		s.lib = log.Multi{logger, s.console}
	}

	if s.cfg.ConfigFile == "" && s.logger != nil {
		s.logger.Warn("no %s found, using built-in defaults", config.ConfigFileName)
	}
	return s, nil
}

// Close releases the database and the log files.
func (s *Service) Close() error {
	var errs []error

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if s.logger != nil {
		s.logger.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("service close errors: %v", errs)
	}
	return nil
}

// Config returns the service's configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Logger returns the logger library packages should use.
func (s *Service) Logger() log.LibraryLogger {
	return s.lib
}

// database opens the run database on first use. A database that cannot
// be opened disables history for the rest of the invocation.
func (s *Service) database() *rundb.DB {
	if s.db != nil || s.dbFailed {
		return s.db
	}
	db, err := rundb.OpenDB(s.cfg.Database.Path)
	if err != nil {
		s.lib.Warn("run history disabled: %v", err)
		s.dbFailed = true
		return nil
	}
	s.db = db
	return db
}

// policy merges the command line switches with the configured default.
func (s *Service) policy(silent, dryRun bool) runner.Policy {
	return runner.NewPolicy(silent || s.cfg.Silent, dryRun)
}

// queryRunner returns a runner for read-only queries made before a run
// starts (inventory listing).
func (s *Service) queryRunner(policy runner.Policy) *runner.Runner {
	return runner.New(runner.Options{
		Policy:   policy,
		Executor: s.executor,
		Trace:    s.stderr,
		Logger:   s.lib,
	})
}
