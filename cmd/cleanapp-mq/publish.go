package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cleanapp/golib/messaging"
	"github.com/cleanapp/golib/metrics"
	"github.com/spf13/cobra"
)

type publishFlags struct {
	routingKey string
	file       string
	raw        bool
	count      int
	timeout    time.Duration
}

func newPublishCmd(global *globalFlags) *cobra.Command {
	var flags publishFlags

	cmd := &cobra.Command{
		Use:   "publish [body]",
		Short: "Publish a message",
		Long: `Publish a message to the configured exchange. The body is taken from the
argument, from --file, or from stdin. Unless --raw is set the body must be
valid JSON and is sent as application/json.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(global, os.LookupEnv)
			if err != nil {
				return err
			}
			if flags.routingKey != "" {
				cfg.RoutingKey = flags.routingKey
			}

			body, err := readBody(args, flags.file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			pub, err := messaging.NewPublisher(cfg.URL, cfg.Exchange, cfg.RoutingKey,
				cfg.PublisherOptions(logger, metrics.NewPublisher(nil, "cli"))...)
			if err != nil {
				return fmt.Errorf("failed to create publisher: %w", err)
			}
			defer pub.Close()

			for i := 0; i < flags.count; i++ {
				ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
				err := publishOnce(ctx, pub, cfg.RoutingKey, body, flags.raw)
				cancel()
				if err != nil {
					return fmt.Errorf("publish %d/%d: %w", i+1, flags.count, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s with key %q\n", flags.count, cfg.Exchange, cfg.RoutingKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.routingKey, "routing-key", "k", "", "routing key (overrides RABBITMQ_ROUTING_KEY)")
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "read the body from a file")
	cmd.Flags().BoolVar(&flags.raw, "raw", false, "send the body as is with a detected content type")
	cmd.Flags().IntVarP(&flags.count, "count", "n", 1, "number of copies to publish")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "timeout per publish")
	return cmd
}

// bodyPublisher is the subset of messaging.Publisher used by publishOnce
type bodyPublisher interface {
	PublishWithRoutingKey(ctx context.Context, routingKey string, payload any) error
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

func publishOnce(ctx context.Context, pub bodyPublisher, routingKey string, body []byte, raw bool) error {
	if raw {
		return pub.PublishRaw(ctx, routingKey, body)
	}
	if !json.Valid(body) {
		return errors.New("body is not valid JSON, use --raw to send it as is")
	}
	return pub.PublishWithRoutingKey(ctx, routingKey, json.RawMessage(body))
}

func readBody(args []string, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("pass the body as an argument or with --file, not both")
	case len(args) == 1:
		return []byte(args[0]), nil
	case file != "":
		return os.ReadFile(file)
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty message body")
	}
	return body, nil
}
