package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Tox/tcpplus/internal/config"
	"github.com/Tox/tcpplus/internal/db"
	"github.com/Tox/tcpplus/internal/models"
	"github.com/Tox/tcpplus/internal/repo"
	"github.com/spf13/cobra"
)

var (
	peersCmd = &cobra.Command{
		Use:   "peers",
		Short: "Show the connection journal recorded by serve",
		Run:   startPeers,
	}
	peersFlags = struct {
		DB    string
		Limit int
		Open  bool
		JSON  bool
	}{}
)

func init() {
	Root.AddCommand(peersCmd)
	peersCmd.Flags().StringVar(&peersFlags.DB, "db", "", "the sqlite database serve journals connections to")
	peersCmd.Flags().IntVar(&peersFlags.Limit, "limit", 50, "the maximum amount of connections to show")
	peersCmd.Flags().BoolVar(&peersFlags.Open, "open", false, "only show connections that are still open")
	peersCmd.Flags().BoolVar(&peersFlags.JSON, "json", false, "print the connections as JSON")
}

func startPeers(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd, func(cfg *config.Config, changed func(string) bool) {
		if changed("db") {
			cfg.DB = peersFlags.DB
		}
	})
	if cfg.DB == "" {
		exitWithError("no database configured, pass --db")
		return
	}

	ctx := context.Background()
	rdb, wdb, err := db.OpenReadWrite(ctx, cfg.DB, db.OpenOptions{})
	if err != nil {
		exitWithError(err.Error())
		return
	}
	defer rdb.Close()
	defer wdb.Close()

	r := repo.New(rdb)
	var conns []*models.Connection
	if peersFlags.Open {
		conns, err = r.ListOpen(ctx)
	} else {
		conns, err = r.List(ctx, peersFlags.Limit)
	}
	if err != nil {
		exitWithError(err.Error())
		return
	}

	if peersFlags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(conns); err != nil {
			exitWithError(err.Error())
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tREMOTE\tLOCAL\tOPENED\tDURATION\tIN\tOUT")
	for _, c := range conns {
		duration := c.Duration().Round(time.Second).String()
		if c.Open() {
			duration += " (open)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			c.ConnID, c.Direction, c.RemoteAddr, c.LocalAddr,
			c.CreatedAt.Format(time.DateTime), duration, c.PacketsIn, c.PacketsOut)
	}
	w.Flush()
}
