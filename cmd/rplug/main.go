// Command rplug is a diagnostic client for msgpack-RPC peers: it
// attaches to an editor or a plugin host over TCP, a unix socket, or
// the stdio of a spawned child, and issues requests or notifications
// from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/editkit/rplugin-go/config"
	"github.com/editkit/rplugin-go/rpc"
	"github.com/editkit/rplugin-go/transport"
)

var (
	flagTCP    string
	flagSocket string
	flagEmbed  []string
)

func main() {
	root := &cobra.Command{
		Use:           "rplug",
		Short:         "msgpack-RPC diagnostic client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagTCP, "tcp", "", "attach to a TCP address")
	root.PersistentFlags().StringVar(&flagSocket, "socket", "", "attach to a unix socket")
	root.PersistentFlags().StringSliceVar(&flagEmbed, "embed", nil, "spawn this argv and attach to its stdio")

	root.AddCommand(callCmd(), notifyCmd(), pollCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call METHOD [ARG...]",
		Short: "send a request and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *rpc.Session) error {
				result, err := s.Request(args[0], parseArgs(args[1:])...)
				if err != nil {
					return err
				}
				out, err := json.Marshal(result)
				if err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify METHOD [ARG...]",
		Short: "send a fire-and-forget notification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *rpc.Session) error {
				return s.Notify(args[0], parseArgs(args[1:])...)
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "health-check a plugin host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *rpc.Session) error {
				result, err := s.Request("poll")
				if err != nil {
					return err
				}
				if result != "ok" {
					return fmt.Errorf("unexpected poll result: %v", result)
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func withSession(ctx context.Context, fn func(*rpc.Session) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}

	var t transport.Transport
	switch {
	case flagTCP != "":
		t, err = transport.DialTCP(flagTCP)
	case flagSocket != "":
		t, err = transport.DialUnix(flagSocket)
	case len(flagEmbed) > 0:
		t, err = transport.SpawnChild(ctx, flagEmbed, transport.WithChildLogger(log))
	default:
		return fmt.Errorf("one of --tcp, --socket or --embed is required")
	}
	if err != nil {
		return err
	}

	sess := rpc.Dial(t, rpc.WithLogger(log))
	defer sess.Close()
	return fn(sess)
}

// parseArgs interprets each CLI argument as JSON, falling back to a
// plain string for bare words.
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		out = append(out, v)
	}
	return out
}
