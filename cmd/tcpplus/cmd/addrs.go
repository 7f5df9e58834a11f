package cmd

import (
	"fmt"
	"net/netip"
	"os"
	"text/tabwriter"

	"github.com/Tox/tcpplus/internal/config"
	"github.com/Tox/tcpplus/internal/netif"
	"github.com/spf13/cobra"
)

var (
	addrsCmd = &cobra.Command{
		Use:   "addrs",
		Short: "List the local addresses serve would listen on, most preferred first",
		Run:   startAddrs,
	}
	addrsFlags = struct {
		Family string
	}{}
)

func init() {
	Root.AddCommand(addrsCmd)
	addrsCmd.Flags().StringVar(&addrsFlags.Family, "family", "", "only list addresses of this family: any, ipv4 or ipv6")
}

func startAddrs(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd, func(cfg *config.Config, changed func(string) bool) {
		if changed("family") {
			cfg.Family = addrsFlags.Family
		}
	})

	ifaces, err := netif.SystemSource{}.Interfaces()
	if err != nil {
		exitWithError(err.Error())
		return
	}

	family := parseFamily(cfg.Family)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSCORE\tINTERFACE")
	for _, ranked := range netif.Rank(ifaces) {
		if !family.Matches(ranked.Addr) {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", ranked.Addr, ranked.Score, ownerName(ifaces, ranked.Addr))
	}
	w.Flush()
}

func ownerName(ifaces []netif.Interface, addr netip.Addr) string {
	for i := range ifaces {
		if ifaces[i].Owns(addr) {
			return ifaces[i].Name
		}
	}
	return "-"
}
