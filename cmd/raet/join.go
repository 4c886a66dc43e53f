package main

import (
	"fmt"
	"net"
	"time"

	"github.com/gtmanfred/raet/pkg/log"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/gtmanfred/raet/pkg/stacking"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a main estate",
	Long: `join constructs (or loads) a stack from its keep directory,
initiates identity exchange against the main estate at --main-addr, and
drives the service loop until the join timeout (plus one second) has
passed, whether or not the handshake finished earlier, before persisting
and exiting.`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().String("name", "", "stack name (required)")
	joinCmd.Flags().String("dir", "", "keep store root directory (required)")
	joinCmd.Flags().String("bind", "127.0.0.1:0", "host:port to bind the UDP socket")
	joinCmd.Flags().String("main-addr", "", "main estate's host:port (required)")
	_ = joinCmd.MarkFlagRequired("name")
	_ = joinCmd.MarkFlagRequired("dir")
	_ = joinCmd.MarkFlagRequired("main-addr")
}

func runJoin(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dir, _ := cmd.Flags().GetString("dir")
	bind, _ := cmd.Flags().GetString("bind")
	mainAddr, _ := cmd.Flags().GetString("main-addr")

	host, port, err := splitHostPort(bind)
	if err != nil {
		return err
	}
	mainHost, mainPort, err := splitHostPort(mainAddr)
	if err != nil {
		return err
	}

	rs, err := stacking.New(stacking.Config{Name: name, DirPath: dir, Host: host, Port: port})
	if err != nil {
		return fmt.Errorf("construct stack: %w", err)
	}
	defer rs.Close()

	logger := log.WithComponent("join").With().Str("stack", name).Logger()

	mha := &net.UDPAddr{IP: net.ParseIP(mainHost), Port: mainPort}
	if err := rs.Join(mha); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	deadline := time.Now().Add(raeting.TimeoutDefault + time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		rs.Service()
	}

	if err := rs.DumpLocal(); err != nil {
		logger.Warn().Err(err).Msg("dump local failed")
	}
	local := rs.Local()
	if local.Eid == 0 {
		return fmt.Errorf("join did not complete before timeout")
	}
	fmt.Printf("joined as eid %d\n", local.Eid)
	for _, r := range rs.Remotes() {
		if err := rs.DumpRemote(r.Eid); err != nil {
			logger.Warn().Err(err).Uint32("eid", r.Eid).Msg("dump remote failed")
		}
		fmt.Printf("  main: eid=%d name=%s acceptance=%s\n", r.Eid, r.Name, r.Acceptance)
	}
	return nil
}
