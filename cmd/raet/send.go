package main

import (
	"fmt"
	"time"

	"github.com/gtmanfred/raet/pkg/log"
	"github.com/gtmanfred/raet/pkg/raeting"
	"github.com/gtmanfred/raet/pkg/stacking"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an application message",
	Long: `send loads a stack from its keep directory, enqueues one
application message, and drives the service loop until it is flushed
to the wire — and, with --wait, until the recipient acks it or the
transaction times out.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("name", "", "stack name (required)")
	sendCmd.Flags().String("dir", "", "keep store root directory (required)")
	sendCmd.Flags().String("bind", "127.0.0.1:0", "host:port to bind the UDP socket")
	sendCmd.Flags().Uint32("to", 0, "destination eid")
	sendCmd.Flags().String("body", "", "message body, as a JSON value (required)")
	sendCmd.Flags().Bool("wait", false, "wait for the recipient's ack")
	sendCmd.Flags().Bool("broadcast", false, "send to every accepted remote")
	_ = sendCmd.MarkFlagRequired("name")
	_ = sendCmd.MarkFlagRequired("dir")
	_ = sendCmd.MarkFlagRequired("body")
}

func runSend(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dir, _ := cmd.Flags().GetString("dir")
	bind, _ := cmd.Flags().GetString("bind")
	to, _ := cmd.Flags().GetUint32("to")
	body, _ := cmd.Flags().GetString("body")
	wait, _ := cmd.Flags().GetBool("wait")
	broadcast, _ := cmd.Flags().GetBool("broadcast")

	host, port, err := splitHostPort(bind)
	if err != nil {
		return err
	}

	rs, err := stacking.New(stacking.Config{Name: name, DirPath: dir, Host: host, Port: port})
	if err != nil {
		return fmt.Errorf("construct stack: %w", err)
	}
	defer rs.Close()

	logger := log.WithComponent("send").With().Str("stack", name).Logger()

	deid := to
	if broadcast {
		deid = 0
	}
	if err := rs.TransmitFlags([]byte(body), deid, broadcast, wait); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	deadline := time.Now().Add(raeting.TimeoutDefault + time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case fail := <-rs.Failures():
			return fmt.Errorf("delivery to eid %d failed: %w", fail.Eid, fail.Err)
		case <-ticker.C:
			rs.Service()
			if !wait {
				fmt.Println("sent")
				return nil
			}
		}
	}
	if wait {
		// The Messenger's own timeout is shorter than this loop, so reaching
		// here with no failure reported means the ack arrived.
		fmt.Println("acked")
		return nil
	}
	logger.Warn().Msg("send loop exited without confirming flush")
	return nil
}
