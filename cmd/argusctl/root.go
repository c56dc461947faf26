package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/client"
)

const appName = "argusctl"

// options are shared by every subcommand.
type options struct {
	server  string
	token   string
	timeout time.Duration
	logCfg  log.Config

	out    io.Writer
	logger log.Logger
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	o := &options{out: out, logger: log.Nop()}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Run and inspect alert analyses on an argus server",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.logCfg.Validate(); err != nil {
				return fmt.Errorf("log config: %w", err)
			}
			lg, err := log.New(o.logCfg.ToOptions(appName))
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			o.logger = lg
			cmd.SetContext(log.WithContext(cmd.Context(), lg))
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&o.server, "server", envOr("ARGUS_SERVER", "http://localhost:8080"), "argus server base URL (env ARGUS_SERVER)")
	pf.StringVar(&o.token, "token", os.Getenv("ARGUS_TOKEN"), "API bearer token (env ARGUS_TOKEN)")
	pf.DurationVar(&o.timeout, "timeout", 30*time.Minute, "overall deadline for the command")

	// go-core log flags are plain flag.FlagSet registrations
	gfs := flag.NewFlagSet(appName, flag.ContinueOnError)
	o.logCfg.RegisterFlags(gfs)
	pf.AddGoFlagSet(gfs)

	root.AddCommand(
		newAnalyzeCmd(o),
		newResultCmd(o),
		newRetryCmd(o),
		newContinueCmd(o),
		newResetCmd(o),
		newProvidersCmd(o),
	)
	return root
}

func (o *options) client() *client.Client {
	return client.New(o.server, o.token)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

func (o *options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printState writes one progress line per change.
func (o *options) printState(st client.State) {
	line := fmt.Sprintf("[%3d%%] %s", st.OverallProgress, st.Status)
	if st.CurrentActivity != "" {
		line += ": " + st.CurrentActivity
	}
	_, _ = fmt.Fprintln(o.out, line)
}

// printSummary writes the per-step outcome of a finished session.
func (o *options) printSummary(st client.State) {
	for _, s := range st.Steps {
		line := fmt.Sprintf("  %-32s %s", s.Name, s.Status)
		if s.Error != "" {
			line += " (" + s.Error + ")"
		}
		_, _ = fmt.Fprintln(o.out, line)
	}
}

// stepIndex resolves a step given by key or zero-based position.
func stepIndex(steps []client.Step, ref string) (int, error) {
	for i, s := range steps {
		if s.Key == ref {
			return i, nil
		}
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(steps) {
		return i, nil
	}
	return -1, fmt.Errorf("unknown step %q", ref)
}

// finish watches d to a terminal state when watch is set and reports a
// failed session as an error.
func (o *options) finish(ctx context.Context, d *client.Driver, watch bool) error {
	if watch {
		if err := d.Watch(ctx); err != nil {
			return err
		}
	}
	st := d.State()
	o.printSummary(st)
	if st.Status == analysis.StatusFailed {
		return fmt.Errorf("analysis of %s failed", st.AlertID)
	}
	return nil
}
