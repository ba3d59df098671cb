package service

import (
	"context"
	"fmt"

	"ansible-chroot/environment"
	"ansible-chroot/inventory"
	"ansible-chroot/overlay"
	"ansible-chroot/runner"
)

// ProgramChroot is the name ansible-chroot runs are recorded under.
const ProgramChroot = "ansible-chroot"

// Chroot performs opts.Action against the first host matching
// opts.Pattern. With PrintTarget it only resolves and prints the targets
// of every matching host, and needs no privilege.
//
// No matching host is not an error: a warning is logged and the result
// has Matched unset.
func (s *Service) Chroot(ctx context.Context, opts ChrootOptions) (*Result, error) {
	policy := s.policy(opts.Silent, opts.DryRun)
	if !opts.PrintTarget {
		if err := s.checkPrivilege(); err != nil {
			return nil, err
		}
	}

	hosts, err := s.matchHosts(ctx, opts.Pattern, opts.Inventory, policy)
	if err != nil || len(hosts) == 0 {
		return &Result{}, err
	}

	if opts.PrintTarget {
		return s.printTargets(hosts, opts.TargetSuffix)
	}

	host := hosts[0]
	if len(hosts) > 1 {
		s.lib.Debug("%d hosts match %q, using %s", len(hosts), opts.Pattern, host.Name)
	}

	target, err := inventory.ResolveTarget(host, opts.TargetSuffix)
	if err != nil {
		return nil, err
	}
	spec, err := s.overlaySpec(opts, host)
	if err != nil {
		return nil, err
	}

	req := environment.Request{
		Action:  opts.Action,
		Host:    host.Name,
		Target:  target,
		Overlay: spec,
		Command: opts.Command,
		Vars:    host.Vars,
		Local:   opts.Local,
	}

	result := &Result{Matched: true, Host: host.Name, Target: target}
	start := s.now()
	result.RunID, err = s.execute(ctx, run{
		program: ProgramChroot,
		host:    host.Name,
		target:  target,
		action:  opts.Action.String(),
		policy:  policy,
	}, func(ctx context.Context, r *runner.Runner) error {
		orch, err := environment.New(s.cfg, r)
		if err != nil {
			return err
		}
		orch.SetTerminal(s.stdin, s.stdout)
		return orch.Perform(ctx, req)
	})
	result.Duration = s.now().Sub(start)
	return result, err
}

// overlaySpec picks the overlay: the command line first, then the
// chroot_overlay host variable, then the configured default.
func (s *Service) overlaySpec(opts ChrootOptions, host inventory.Host) (overlay.Spec, error) {
	if opts.OverlaySet {
		return overlay.ParseSpec(opts.Overlay)
	}
	if v, ok := host.Vars["chroot_overlay"]; ok {
		spec, err := overlay.FromValue(v)
		if err != nil {
			return overlay.Spec{}, fmt.Errorf("host %s: chroot_overlay: %w", host.Name, err)
		}
		return spec, nil
	}
	return overlay.ParseSpec(s.cfg.Overlay)
}

func (s *Service) printTargets(hosts []inventory.Host, suffix string) (*Result, error) {
	result := &Result{Matched: true}
	for _, h := range hosts {
		target, err := inventory.ResolveTarget(h, suffix)
		if err != nil {
			return result, err
		}
		fmt.Fprintf(s.stdout, "%s\t%s\n", h.Name, target)
		result.Targets = append(result.Targets, HostTarget{Host: h.Name, Target: target})
	}
	return result, nil
}

// matchHosts resolves a pattern against the requested inventory, or the
// configured one. Nothing matching is reported as a warning only.
func (s *Service) matchHosts(ctx context.Context, pattern, inv string, policy runner.Policy) ([]inventory.Host, error) {
	if inv == "" {
		inv = s.cfg.Inventory
	}
	src := inventory.Open(inv, s.queryRunner(policy))

	hosts, err := src.Hosts(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		s.lib.Warn("Could not match supplied host pattern, ignoring: %s", pattern)
	}
	return hosts, nil
}
