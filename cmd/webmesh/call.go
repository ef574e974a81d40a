package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/webmesh/internal/config"
	"github.com/luciancaetano/webmesh/internal/protocol"
	"github.com/luciancaetano/webmesh/ws"
)

const defaultCallTimeout = 10 * time.Second

func callCmd(cfg *config.Config) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <target> [json-payload]",
		Short: "Send a message and print the response",
		Long: `Send a message to a mesh server and print the response as JSON.

The payload is parsed as JSON; without one the message carries null.

Examples:
  webmesh call /echo '{"blop": 56}'
  webmesh call /getinc --port=9000`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := startClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Call(ctx, args[0], payload)
			if err != nil {
				return fmt.Errorf("call %s: %w", args[0], err)
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", defaultCallTimeout, "Time to wait for the connection and the response")

	return cmd
}

func emitCmd(cfg *config.Config) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "emit <target> [json-payload]",
		Short: "Send a message without waiting for a response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := startClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Emit(ctx, args[0], payload); err != nil {
				return fmt.Errorf("emit %s: %w", args[0], err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", defaultCallTimeout, "Time to wait for the connection")

	return cmd
}

func startClient(ctx context.Context, cfg *config.Config) (*ws.Client, error) {
	serializer, err := cfg.SerializerImpl()
	if err != nil {
		return nil, err
	}
	proto, err := cfg.ProtocolImpl()
	if err != nil {
		return nil, err
	}

	client := ws.NewClient(&ws.ClientConfig{
		Host:       cfg.Host,
		Port:       cfg.Port,
		Debug:      cfg.Debug,
		Serializer: serializer,
		Protocol:   proto,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
		Logger:     newLogger(cfg),
	})
	client.Start()

	if err := client.AwaitStarted(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect %s: %w", client.URL(), err)
	}
	return client, nil
}

// parsePayload decodes the optional JSON argument into a wire value.
func parsePayload(args []string) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(args[0])))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid payload: trailing data after JSON value")
	}
	return protocol.Normalize(v)
}

func printResult(w io.Writer, result any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
