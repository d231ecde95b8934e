package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vovakirdan/wirerelay/internal/connector"
	"github.com/vovakirdan/wirerelay/internal/log"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WIRERELAY_CONNECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "wirerelay-connector",
		Short:         "Answer relayed chat requests from this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("url", "ws://localhost:8080/ws/connector", "relay websocket URL")
	flags.String("token", "", "bearer token sent on connect")
	flags.String("exec", "", "command answering requests (content on stdin, reply on stdout); echo when empty")
	flags.Duration("exec-timeout", 0, "per-request timeout for --exec")
	flags.Duration("heartbeat-interval", 0, "heartbeat interval")
	flags.Duration("max-backoff", 0, "upper bound for reconnect backoff")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "console", "log format (console, json)")
	_ = v.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	_ = godotenv.Load()

	logger := log.New(v.GetString("log-level"), v.GetString("log-format"))

	handler := connector.Handler(connector.Echo)
	if command := strings.Fields(v.GetString("exec")); len(command) > 0 {
		handler = connector.Exec(command[0], command[1:], v.GetDuration("exec-timeout"))
		logger.Info().Str("command", command[0]).Msg("answering with external command")
	} else {
		logger.Info().Msg("answering in echo mode")
	}

	url := v.GetString("url")
	if url == "" {
		return errors.New("url must not be empty")
	}

	c := connector.New(connector.Options{
		URL:               url,
		Token:             v.GetString("token"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		MaxBackoff:        v.GetDuration("max-backoff"),
	}, handler, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("url", url).Msg("starting connector")
	return c.Run(ctx)
}
