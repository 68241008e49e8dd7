package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	natsbackend "github.com/openjobspec/captcha-relay/internal/nats"
	"github.com/openjobspec/captcha-relay/internal/relay"
	"github.com/openjobspec/captcha-relay/internal/server"
)

func newEnqueueCmd(cfg *server.Config) *cobra.Command {
	var req relay.EnqueueRequest

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a reCAPTCHA for solving and print the job id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNATS(cfg, func(store *natsbackend.JobStore) error {
				job, err := relay.NewService(store).Enqueue(commandContext(cmd), req)
				if err != nil {
					return fmt.Errorf("enqueue: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.PageURL, "pageurl", "", "URL of the page showing the captcha")
	cmd.Flags().StringVar(&req.SiteKey, "googlekey", "", "reCAPTCHA site key")
	cmd.Flags().StringVar(&req.Method, "method", "", "backend solving method (default userrecaptcha)")
	cmd.Flags().StringVar(&req.Proxy, "proxy", "", "proxy the backend should solve through")
	cmd.Flags().StringVar(&req.ProxyType, "proxytype", "", "proxy protocol: HTTP, HTTPS, SOCKS4 or SOCKS5")
	_ = cmd.MarkFlagRequired("pageurl")
	_ = cmd.MarkFlagRequired("googlekey")
	return cmd
}

func newStatusCmd(cfg *server.Config) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNATS(cfg, func(store *natsbackend.JobStore) error {
				svc := relay.NewService(store)
				ctx := commandContext(cmd)

				var (
					status *relay.JobStatus
					err    error
				)
				if wait {
					broker := natsbackend.NewPubSubBroker(store.Conn())
					defer broker.Close()
					ctx, cancel := contextWithOptionalTimeout(ctx, timeout)
					defer cancel()
					status, err = svc.Wait(ctx, args[0], cfg.PollInterval, broker)
				} else {
					status, err = svc.Status(ctx, args[0])
				}
				if err != nil {
					return fmt.Errorf("status %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job is solved or errored")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits indefinitely)")
	return cmd
}
