package cmd

import (
	"ansible-chroot/service"

	"github.com/spf13/cobra"
)

// NewDebootstrapCommand returns the ansible-debootstrap root command.
func NewDebootstrapCommand() *cobra.Command {
	return newDebootstrapCommand(system{})
}

func newDebootstrapCommand(sys system) *cobra.Command {
	var (
		common        commonOptions
		printDebs     bool
		downloadOnly  bool
		unpackTarball string
		makeTarball   string
	)

	c := newRoot("ansible-debootstrap [flags] HOST",
		"Bootstrap the chroot of an inventory host with debootstrap")
	c.Long = `Run debootstrap for the directory named by the host's debootstrap_target
(or ansible_host) variable. Parameters come from the host's debootstrap
mapping; suite and architecture default to those of the running system.`

	fs := c.Flags()
	common.register(fs)
	fs.BoolVar(&printDebs, "print-debs", false, "print the packages that would be installed")
	fs.BoolVar(&downloadOnly, "download-only", false, "only download the packages")
	fs.StringVar(&unpackTarball, "unpack-tarball", "", "take the packages from the tar archive at `PATH`")
	fs.StringVar(&makeTarball, "make-tarball", "", "write the packages to a tar archive at `PATH`")
	c.MarkFlagsMutuallyExclusive("print-debs", "download-only")

	c.RunE = func(c *cobra.Command, args []string) error {
		host, extra, err := common.hostArg(c, args)
		if err != nil {
			return err
		}
		if len(extra) > 0 {
			return &unexpectedArgsError{Args: extra}
		}

		svc, err := common.newService(c, sys)
		if err != nil {
			return err
		}
		defer svc.Close()

		if common.inspecting(c) {
			return common.inspect(c, svc)
		}

		var action string
		switch {
		case printDebs:
			action = "print-debs"
		case downloadOnly:
			action = "download-only"
		}

		_, err = svc.Debootstrap(c.Context(), service.DebootstrapOptions{
			Pattern:       host,
			Inventory:     common.inventory,
			Action:        action,
			UnpackTarball: unpackTarball,
			MakeTarball:   makeTarball,
			Silent:        common.silent,
			DryRun:        common.dryRun,
		})
		return err
	}
	return c
}
