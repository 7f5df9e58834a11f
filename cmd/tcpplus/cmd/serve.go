package cmd

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tox/tcpplus/internal/config"
	"github.com/Tox/tcpplus/internal/db"
	"github.com/Tox/tcpplus/internal/handlers"
	"github.com/Tox/tcpplus/internal/models"
	"github.com/Tox/tcpplus/internal/repo"
	"github.com/Tox/tcpplus/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Listen for peers on every local interface",
		Run:   startServe,
	}
	serveFlags = struct {
		Port          int
		Address       string
		Family        string
		Strict        bool
		Secret        string
		DB            string
		StatsInterval time.Duration
	}{}
)

func init() {
	Root.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "the TCP port to listen on")
	serveCmd.Flags().StringVar(&serveFlags.Address, "address", "", "listen on this address only instead of every interface")
	serveCmd.Flags().StringVar(&serveFlags.Family, "family", "", "the address family to listen on: any, ipv4 or ipv6")
	serveCmd.Flags().BoolVar(&serveFlags.Strict, "strict", false, "fail if any interface address could not be bound")
	serveCmd.Flags().StringVar(&serveFlags.Secret, "secret", "", "the shared secret for secure packets")
	serveCmd.Flags().StringVar(&serveFlags.DB, "db", "", "the sqlite database to journal connections to")
	serveCmd.Flags().DurationVar(&serveFlags.StatsInterval, "stats-interval", time.Minute, "how often to log connection stats")
}

func startServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd, func(cfg *config.Config, changed func(string) bool) {
		if changed("port") {
			cfg.Port = serveFlags.Port
		}
		if changed("address") {
			cfg.Address = serveFlags.Address
		}
		if changed("family") {
			cfg.Family = serveFlags.Family
		}
		if changed("strict") {
			cfg.Strict = serveFlags.Strict
		}
		if changed("secret") {
			cfg.Secret = serveFlags.Secret
		}
		if changed("db") {
			cfg.DB = serveFlags.DB
		}
	})
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := transport.NewRegistry()
	handlers.RegisterServer(reg, logger)
	opts := transport.ServerOptions{
		Logger:   logger,
		Handlers: reg,
		Cipher:   newCipher(logger, cfg.Secret),
	}

	if cfg.DB != "" {
		rdb, wdb, err := db.OpenReadWrite(ctx, cfg.DB, db.OpenOptions{})
		if err != nil {
			logErrorAndExit(logger, "Unable to open database", slog.Any("err", err))
			return
		}
		defer rdb.Close()
		defer wdb.Close()

		j := newJournal(logger, repo.New(wdb))
		n, err := j.repo.CloseDangling(ctx, time.Now())
		if err != nil {
			logErrorAndExit(logger, "Unable to clean up connection journal", slog.Any("err", err))
			return
		}
		if n > 0 {
			logger.Warn("Closed dangling journal entries", slog.Int64("count", n))
		}
		opts.OnConnect = j.open
		opts.OnDisconnect = j.close
	}

	srv := transport.NewServer(opts)
	if err := startServer(srv, cfg); err != nil {
		logErrorAndExit(logger, "Unable to start server", slog.Any("err", err))
		return
	}
	for _, l := range srv.Listeners() {
		logger.Info("Listening", slog.String("addr", l.BoundAddr().String()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(serveFlags.StatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logger.Info("Connection stats",
					slog.Int("peers", srv.ConnectedCount()),
					slog.Int("listeners", len(srv.Listeners())))
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Stopping server")
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logErrorAndExit(logger, "Server stopped unexpectedly", slog.Any("err", err))
		return
	}

	logger.Info("Bye!")
}

func startServer(srv *transport.Server, cfg *config.Config) error {
	if cfg.Address != "" {
		addr, err := netip.ParseAddr(cfg.Address)
		if err != nil {
			return err
		}
		return srv.StartAddr(addr, cfg.Port)
	}

	policy := transport.BindIgnoreConflicts
	if cfg.Strict {
		policy = transport.BindFailOnConflict
	}
	return srv.StartFamily(cfg.Port, parseFamily(cfg.Family), policy)
}

func parseFamily(s string) transport.Family {
	switch s {
	case "ipv4":
		return transport.FamilyIPv4
	case "ipv6":
		return transport.FamilyIPv6
	default:
		return transport.FamilyAny
	}
}

// journal records connection lifecycle events in the database.
type journal struct {
	logger *slog.Logger
	repo   *repo.ConnectionsRepo
}

func newJournal(logger *slog.Logger, r *repo.ConnectionsRepo) *journal {
	return &journal{logger: logger, repo: r}
}

func (j *journal) open(conn *transport.Conn) {
	_, err := j.repo.TrackOpen(context.Background(), &models.Connection{
		ConnID:     conn.ID(),
		CreatedAt:  conn.OpenedAt(),
		LocalAddr:  conn.LocalAddr().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Direction:  string(conn.Direction()),
	})
	if err != nil {
		j.logger.Error("Unable to journal connection",
			slog.String("conn_id", conn.ID().String()),
			slog.Any("err", err))
	}
}

func (j *journal) close(conn *transport.Conn) {
	_, err := j.repo.TrackClose(context.Background(), conn.ID(), time.Now(), conn.PacketsIn(), conn.PacketsOut())
	if err != nil {
		j.logger.Error("Unable to journal disconnect",
			slog.String("conn_id", conn.ID().String()),
			slog.Any("err", err))
	}
}
