// Package cmd implements the ansible-chroot and ansible-debootstrap command
// lines on top of the service package.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"ansible-chroot/config"
	"ansible-chroot/log"
	"ansible-chroot/runner"
	"ansible-chroot/service"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Version is set at link time with -ldflags "-X ansible-chroot/cmd.Version=...".
var Version = "dev"

// system holds what a command talks to outside the process. The zero
// value is the real system.
type system struct {
	executor       runner.Executor
	checkPrivilege func() error
	stdin          *os.File
}

// commonOptions are the flags both tools share.
type commonOptions struct {
	inventory string
	silent    bool
	dryRun    bool
	traceback bool
	verbose   bool
	configDir string
	profile   string
	history   int
	showRun   string
	tail      int
}

func (o *commonOptions) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.inventory, "inventory", "i", "", "inventory file or `INVENTORY` source")
	fs.BoolVarP(&o.silent, "silent", "s", false, "do not print command traces")
	fs.BoolVarP(&o.dryRun, "dry-run", "n", false, "print command traces only, change nothing")
	fs.BoolVar(&o.traceback, "traceback", false, "print the full error chain on failure")
	fs.BoolVar(&o.verbose, "verbose", false, "print informational messages to stderr")
	fs.StringVar(&o.configDir, "config-dir", "", "directory holding "+config.ConfigFileName)
	fs.StringVar(&o.profile, "profile", "", "configuration profile to use")
	fs.IntVar(&o.history, "history", 0, "show the `N` most recent runs and exit")
	fs.Lookup("history").NoOptDefVal = "20"
	fs.StringVar(&o.showRun, "show-run", "", "print the transcript of run `ID` (a unique prefix is enough) and exit")
	fs.IntVar(&o.tail, "tail", 0, "with --show-run, print only the last `N` lines")
}

// inspecting reports whether the invocation only reads the run history.
func (o *commonOptions) inspecting(c *cobra.Command) bool {
	return c.Flags().Changed("history") || c.Flags().Changed("show-run")
}

// inspect answers --history and --show-run.
func (o *commonOptions) inspect(c *cobra.Command, svc *service.Service) error {
	if c.Flags().Changed("show-run") {
		return log.ViewRunLog(svc.Config(), o.showRun, c.OutOrStdout(), o.tail)
	}
	return showHistory(c.OutOrStdout(), svc, o.history)
}

// newService loads the configuration and creates the service for one
// invocation.
func (o *commonOptions) newService(c *cobra.Command, sys system) (*service.Service, error) {
	cfg, err := config.LoadConfig(o.configDir, o.profile)
	if err != nil {
		return nil, err
	}

	return service.NewService(service.Options{
		Config:         cfg,
		Verbose:        o.verbose,
		Stdin:          sys.stdin,
		Stdout:         c.OutOrStdout(),
		Stderr:         c.ErrOrStderr(),
		Executor:       sys.executor,
		CheckPrivilege: sys.checkPrivilege,
	})
}

// hostArg returns the HOST positional argument, which is optional only
// when inspecting the history.
func (o *commonOptions) hostArg(c *cobra.Command, args []string) (string, []string, error) {
	if o.inspecting(c) {
		return "", nil, nil
	}
	if len(args) == 0 {
		return "", nil, errors.New("the following arguments are required: HOST")
	}
	return args[0], args[1:], nil
}

func newRoot(use, short string) *cobra.Command {
	c := &cobra.Command{
		Use:           use,
		Short:         short,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
	c.Flags().SetInterspersed(false)
	return c
}

// Execute runs root with the process arguments and returns the exit
// status. SIGINT and SIGTERM cancel the running action; teardown still
// happens before the status is returned.
func Execute(root *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root.SetArgs(os.Args[1:])
	return execute(ctx, root, os.Stderr)
}

func execute(ctx context.Context, root *cobra.Command, stderr io.Writer) int {
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return 1
	}

	traceback, _ := root.Flags().GetBool("traceback")
	printError(stderr, root.Name(), err, traceback)
	return 1
}

// printError writes "<prog>: <message>" and, with traceback, every error
// in the unwrap chain with its type.
func printError(w io.Writer, prog string, err error, traceback bool) {
	fmt.Fprintf(w, "%s: %v\n", prog, err)
	if !traceback {
		return
	}

	fmt.Fprintln(w, "Traceback (innermost last):")
	for depth, e := 0, err; e != nil; depth, e = depth+1, errors.Unwrap(e) {
		fmt.Fprintf(w, "  %*s%T: %v\n", 2*depth, "", e, e)
	}
}
