package service

import (
	"context"

	"ansible-chroot/debootstrap"
	"ansible-chroot/inventory"
	"ansible-chroot/runner"
	"ansible-chroot/termguard"
)

// ProgramDebootstrap is the name ansible-debootstrap runs are recorded under.
const ProgramDebootstrap = "ansible-debootstrap"

// Debootstrap runs debootstrap for the first host matching opts.Pattern.
// The target is debootstrap_target or ansible_host, with a ".debs"
// suffix when the command line asks only for packages.
func (s *Service) Debootstrap(ctx context.Context, opts DebootstrapOptions) (*Result, error) {
	if err := s.checkPrivilege(); err != nil {
		return nil, err
	}
	policy := s.policy(opts.Silent, opts.DryRun)

	hosts, err := s.matchHosts(ctx, opts.Pattern, opts.Inventory, policy)
	if err != nil || len(hosts) == 0 {
		return &Result{}, err
	}
	host := hosts[0]

	params, err := debootstrap.NewParams(host.Vars)
	if err != nil {
		return nil, err
	}
	if opts.Action != "" {
		params.Action = opts.Action
	}
	if opts.UnpackTarball != "" {
		params.Set("unpack_tarball", opts.UnpackTarball)
	}
	if opts.MakeTarball != "" {
		params.Set("make_tarball", opts.MakeTarball)
	}

	target, err := inventory.ResolveDebootstrapTarget(host, opts.WritesDebs())
	if err != nil {
		return nil, err
	}

	action := params.Action
	if action == "" {
		action = "bootstrap"
	}

	result := &Result{Matched: true, Host: host.Name, Target: target}
	start := s.now()
	result.RunID, err = s.execute(ctx, run{
		program: ProgramDebootstrap,
		host:    host.Name,
		target:  target,
		action:  action,
		policy:  policy,
	}, func(ctx context.Context, r *runner.Runner) error {
		resolver := &debootstrap.Resolver{Runner: r, OSRelease: s.osRelease}
		if err := resolver.Resolve(ctx, params); err != nil {
			return err
		}
		cmdline, err := debootstrap.Build(params, target)
		if err != nil {
			return err
		}

		guard := termguard.Acquire(s.stdin, s.stdout)
		defer guard.Release()
		return r.Spawn(ctx, cmdline...)
	})
	result.Duration = s.now().Sub(start)
	return result, err
}
