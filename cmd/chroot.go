package cmd

import (
	"ansible-chroot/environment"
	"ansible-chroot/service"

	"github.com/spf13/cobra"
)

// NewChrootCommand returns the ansible-chroot root command.
func NewChrootCommand() *cobra.Command {
	return newChrootCommand(system{})
}

func newChrootCommand(sys system) *cobra.Command {
	var (
		common       commonOptions
		targetSuffix string
		overlay      string
		local        bool
		printTarget  bool
	)

	c := newRoot("ansible-chroot [flags] HOST [COMMAND...]",
		"Run a command inside the chroot of an inventory host")
	c.Long = `Mount the virtual filesystems (and optionally an overlay) under the
directory named by the host's ansible_host variable, run COMMAND inside it
(an interactive shell by default) and unmount everything afterwards.

COMMAND arguments may reference {inventory_hostname}, {chroot_target} and
any host variable as {name}.`

	fs := c.Flags()
	common.register(fs)
	fs.StringVarP(&targetSuffix, "target-suffix", "S", "", "append `SUFFIX` to the target directory")
	fs.StringVar(&overlay, "overlay", "", "mount an overlay on the target: true, false, or a lower `DIR|FILE`")
	fs.Lookup("overlay").NoOptDefVal = "true"
	fs.BoolVarP(&local, "local", "l", false, "run COMMAND on the host instead of inside the target")
	fs.BoolVar(&printTarget, "print-target", false, "print the target directory of every matching host")
	fs.BoolP("mount", "m", false, "only mount the chroot environment")
	fs.Bool("mount-overlay-rw", false, "only mount a writable overlay with an empty lower layer")
	fs.BoolP("umount", "u", false, "only unmount the chroot environment")
	c.MarkFlagsMutuallyExclusive(actionFlags...)

	c.RunE = func(c *cobra.Command, args []string) error {
		host, command, err := common.hostArg(c, args)
		if err != nil {
			return err
		}

		svc, err := common.newService(c, sys)
		if err != nil {
			return err
		}
		defer svc.Close()

		if common.inspecting(c) {
			return common.inspect(c, svc)
		}

		action, err := environment.ParseAction(actionName(c))
		if err != nil {
			return err
		}

		_, err = svc.Chroot(c.Context(), service.ChrootOptions{
			Pattern:      host,
			Inventory:    common.inventory,
			TargetSuffix: targetSuffix,
			Overlay:      overlay,
			OverlaySet:   c.Flags().Changed("overlay"),
			Action:       action,
			Command:      command,
			Local:        local,
			PrintTarget:  printTarget,
			Silent:       common.silent,
			DryRun:       common.dryRun,
		})
		return err
	}
	return c
}

// actionFlags are the boolean flags selecting an action other than chroot.
// Each is named after the action it selects.
var actionFlags = []string{"mount", "umount", "mount-overlay-rw"}

// actionName returns the action selected on the command line, or "" for
// chroot.
func actionName(c *cobra.Command) string {
	for _, name := range actionFlags {
		if on, _ := c.Flags().GetBool(name); on {
			return name
		}
	}
	return ""
}
