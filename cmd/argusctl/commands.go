package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/argus/internal/client"
	"github.com/linnemanlabs/argus/internal/provider"
)

func (o *options) driver(alertID string, autoContinue bool) *client.Driver {
	return client.NewDriver(o.client(), alertID,
		client.WithAutoContinue(autoContinue),
		client.WithReconnectDelay(2*time.Second),
		client.WithOnChange(o.printState),
		client.WithDriverLogger(o.logger),
	)
}

func newAnalyzeCmd(o *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "analyze <alert-id>",
		Short: "Start or resume the analysis of an alert",
		Long:  "Submits the alert. A finished analysis is returned as is, an interrupted one resumes from its first unfinished step. Use retry or reset for failed analyses.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			d := o.driver(args[0], true)
			if _, err := d.Start(ctx); err != nil {
				return err
			}
			return o.finish(ctx, d, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "follow progress until the analysis finishes")
	return cmd
}

func newResultCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "result <alert-id>",
		Short: "Print the stored analysis record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			rec, ok, err := o.client().Result(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no analysis for %s", args[0])
			}
			return o.printJSON(rec)
		},
	}
}

func newRetryCmd(o *options) *cobra.Command {
	var (
		autoContinue bool
		watch        bool
	)
	cmd := &cobra.Command{
		Use:   "retry <alert-id> <step>",
		Short: "Retry a failed step",
		Long:  "Re-executes one failed step, given by key or position. When it succeeds the remaining steps continue unless --auto-continue=false.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			d := o.driver(args[0], autoContinue)
			ok, err := d.Join(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no analysis for %s", args[0])
			}
			i, err := stepIndex(d.Steps(), args[1])
			if err != nil {
				return err
			}
			if _, err := d.RetryStep(ctx, i); err != nil {
				return err
			}
			return o.finish(ctx, d, watch && autoContinue)
		},
	}
	cmd.Flags().BoolVar(&autoContinue, "auto-continue", true, "continue with the following steps after a successful retry")
	cmd.Flags().BoolVar(&watch, "watch", true, "follow progress until the analysis finishes")
	return cmd
}

func newContinueCmd(o *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "continue <alert-id> <step>",
		Short: "Run a step and every step after it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			d := o.driver(args[0], false)
			ok, err := d.Join(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no analysis for %s", args[0])
			}
			i, err := stepIndex(d.Steps(), args[1])
			if err != nil {
				return err
			}
			if _, err := d.ContinueFrom(ctx, i); err != nil {
				return err
			}
			return o.finish(ctx, d, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "follow progress until the analysis finishes")
	return cmd
}

func newResetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <alert-id>",
		Short: "Delete the stored analysis so the next submit starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			if err := o.client().Reset(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(o.out, "reset %s\n", args[0])
			return nil
		},
	}
}

func newProvidersCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect the server's AI providers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered provider types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			types, err := o.client().Providers(ctx)
			if err != nil {
				return err
			}
			for _, t := range types {
				_, _ = fmt.Fprintln(o.out, t)
			}
			return nil
		},
	}

	var pc provider.Config
	status := &cobra.Command{
		Use:   "status <type>",
		Short: "Validate a provider configuration and probe the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()

			st, err := o.client().ProviderStatus(ctx, args[0], pc)
			if err != nil {
				return err
			}
			return o.printJSON(st)
		},
	}
	f := status.Flags()
	f.StringVar(&pc.Model, "model", "", "model to probe")
	f.StringVar(&pc.Endpoint, "endpoint", "", "backend endpoint override")
	f.StringVar(&pc.Credentials.APIKey, "api-key", "", "backend API key")
	f.StringVar(&pc.Credentials.Region, "region", "", "backend region")
	f.DurationVar(&pc.Timeout, "probe-timeout", 0, "per-call timeout")

	cmd.AddCommand(list, status)
	return cmd
}
