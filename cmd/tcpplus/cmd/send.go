package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tox/tcpplus/internal/config"
	"github.com/Tox/tcpplus/internal/handlers"
	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/transport"
	"github.com/Tox/tcpplus/internal/version"
	"github.com/spf13/cobra"
)

var (
	sendCmd = &cobra.Command{
		Use:   "send TYPE [PAYLOAD]",
		Short: "Connect to a peer, send a packet and optionally wait for the reply",
		Args:  cobra.RangeArgs(1, 2),
		Run:   startSend,
	}
	sendFlags = struct {
		Host          string
		Port          int
		Secret        string
		Secure        bool
		Expect        string
		Timeout       time.Duration
		Retries       int
		RetryInterval time.Duration
		Hello         bool
	}{}
)

func init() {
	Root.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendFlags.Host, "host", "127.0.0.1", "the host to connect to")
	sendCmd.Flags().IntVar(&sendFlags.Port, "port", 0, "the TCP port to connect to")
	sendCmd.Flags().StringVar(&sendFlags.Secret, "secret", "", "the shared secret for secure packets")
	sendCmd.Flags().BoolVar(&sendFlags.Secure, "secure", false, "seal the packet with the shared secret")
	sendCmd.Flags().StringVar(&sendFlags.Expect, "expect", "", "the packet type of the reply to wait for")
	sendCmd.Flags().DurationVar(&sendFlags.Timeout, "timeout", 0, "how long to wait for the reply")
	sendCmd.Flags().IntVar(&sendFlags.Retries, "retries", 5, "the amount of times to retry connecting")
	sendCmd.Flags().DurationVar(&sendFlags.RetryInterval, "retry-interval", time.Second, "the time to wait between connection attempts")
	sendCmd.Flags().BoolVar(&sendFlags.Hello, "hello", true, "announce this client with an INIT packet after connecting")
}

func startSend(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd, func(cfg *config.Config, changed func(string) bool) {
		if changed("port") {
			cfg.Port = sendFlags.Port
		}
		if changed("secret") {
			cfg.Secret = sendFlags.Secret
		}
		if changed("timeout") {
			cfg.Timeout = sendFlags.Timeout
		}
	})
	logger := newLogger(cfg.LogLevel)

	if sendFlags.Secure && cfg.Secret == "" {
		exitWithError("--secure requires a shared secret")
		return
	}

	p := packet.New(args[0], "")
	if len(args) > 1 {
		p.Payload = args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := transport.NewRegistry()
	handlers.RegisterClient(reg, logger)
	client := transport.NewClient(transport.ClientOptions{
		Logger:   logger,
		Handlers: reg,
		Cipher:   newCipher(logger, cfg.Secret),
		Secure:   sendFlags.Secure,
	})
	defer client.Close()

	if err := connectWithRetry(ctx, logger, client, sendFlags.Host, cfg.Port); err != nil {
		logErrorAndExit(logger, "Unable to connect", slog.Any("err", err))
		return
	}

	if sendFlags.Hello {
		vs, _ := version.String()
		if err := client.WritePacket(packet.New(handlers.TypeInit, vs)); err != nil {
			logErrorAndExit(logger, "Unable to send hello", slog.Any("err", err))
			return
		}
	}

	if sendFlags.Expect == "" {
		if err := client.WritePacket(p); err != nil {
			logErrorAndExit(logger, "Unable to send packet", slog.Any("err", err))
		}
		return
	}

	reply, err := client.WritePacketAndReceive(ctx, p, sendFlags.Expect, cfg.Timeout)
	if err != nil {
		logErrorAndExit(logger, "No reply received",
			slog.String("packet_type", sendFlags.Expect),
			slog.Any("err", err))
		return
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		exitWithError(err.Error())
		return
	}
	fmt.Println(string(out))
}

func connectWithRetry(ctx context.Context, logger *slog.Logger, client *transport.Client, host string, port int) error {
	var err error
	for attempt := 0; attempt <= sendFlags.Retries; attempt++ {
		if attempt > 0 {
			logger.Warn("Unable to connect, retrying",
				slog.String("host", host),
				slog.Int("attempt", attempt),
				slog.Any("err", err))

			select {
			case <-time.After(sendFlags.RetryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = client.Connect(ctx, host, port); err == nil {
			return nil
		}
	}

	return fmt.Errorf("connect to %s:%d after %d attempts: %w", host, port, sendFlags.Retries+1, err)
}
