package service

import (
	"context"
	"io"

	"ansible-chroot/log"
	"ansible-chroot/rundb"
	"ansible-chroot/runner"
)

// run identifies one mutating invocation.
type run struct {
	program string
	host    string
	target  string
	action  string
	policy  runner.Policy
}

// execute wraps fn with everything that surrounds a run: the run record,
// the per-run transcript, contextual logging and a runner whose traces
// go to stderr and the transcript. Dry runs leave no record and no
// transcript.
func (s *Service) execute(ctx context.Context, rn run, fn func(context.Context, *runner.Runner) error) (string, error) {
	runID := rundb.NewRunID()

	lib := s.lib
	var ctxLogger *log.ContextLogger
	if s.logger != nil {
		ctxLogger = s.logger.WithContext(log.LogContext{
			RunID:   runID,
			Program: rn.program,
			Host:    rn.host,
		})
		lib = log.Multi{ctxLogger, s.console}
	}

	trace := s.stderr
	var transcript *log.RunLogger
	if !rn.policy.DryRun && s.logger != nil {
		transcript = log.NewRunLogger(s.cfg, runID)
		defer transcript.Close()
		transcript.WriteHeader(rn.program, rn.host, rn.target, rn.action)
		trace = io.MultiWriter(s.stderr, transcript)
	}

	r := runner.New(runner.Options{
		Policy:   rn.policy,
		Executor: s.executor,
		Trace:    trace,
		Logger:   lib,
	})

	recorded := s.startRecord(runID, rn)
	lib.Debug("%s %s on %s", rn.program, rn.action, rn.target)

	start := s.now()
	err := fn(ctx, r)
	end := s.now()

	if recorded {
		if ferr := s.db.FinishRun(runID, err, end); ferr != nil {
			lib.Warn("failed to record run result: %v", ferr)
		}
	}
	if transcript != nil {
		transcript.WriteResult(end.Sub(start), err)
	}
	if ctxLogger != nil {
		if err != nil {
			ctxLogger.Failed(rn.action, err)
		} else {
			ctxLogger.Success(rn.action, end.Sub(start))
		}
	}

	if !recorded {
		return "", err
	}
	return runID, err
}

func (s *Service) startRecord(runID string, rn run) bool {
	if rn.policy.DryRun || !s.cfg.Database.RecordHistory {
		return false
	}
	db := s.database()
	if db == nil {
		return false
	}

	if prev, err := db.LastRunFor(rn.target); err == nil && prev != nil && prev.Status == rundb.StatusRunning {
		s.lib.Warn("run %s on %s never finished, mounts may be left behind", prev.ID, rn.target)
	}

	err := db.StartRun(&rundb.RunRecord{
		ID:        runID,
		Program:   rn.program,
		Host:      rn.host,
		Target:    rn.target,
		Action:    rn.action,
		StartTime: s.now(),
	})
	if err != nil {
		s.lib.Warn("failed to record run: %v", err)
		return false
	}
	return true
}
