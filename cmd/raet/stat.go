package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/gtmanfred/raet/pkg/stacking"
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print a stack's persisted identity and known remotes",
	Long: `stat loads a stack from its keep directory without binding a
socket to the real world and reports its local estate and every
remote it has a road/safe record for, one line each.`,
	RunE: runStat,
}

func init() {
	statCmd.Flags().String("name", "", "stack name (required)")
	statCmd.Flags().String("dir", "", "keep store root directory (required)")
	_ = statCmd.MarkFlagRequired("name")
	_ = statCmd.MarkFlagRequired("dir")
}

func runStat(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dir, _ := cmd.Flags().GetString("dir")

	// stat only reads persisted state, so it binds an ephemeral loopback
	// socket rather than asking the operator for a real --bind address.
	rs, err := stacking.New(stacking.Config{Name: name, DirPath: dir, Host: "127.0.0.1", Port: 0})
	if err != nil {
		return fmt.Errorf("construct stack: %w", err)
	}
	defer rs.Close()

	local := rs.Local()
	fmt.Printf("local: eid=%d name=%s host=%s port=%d sid=%d main=%t\n",
		local.Eid, local.Name, local.Host, local.Port, local.Sid, local.Main)

	remotes := rs.Remotes()
	if len(remotes) == 0 {
		fmt.Println("remotes: none")
		return nil
	}
	fmt.Printf("remotes: %d\n", len(remotes))
	for _, r := range remotes {
		fmt.Printf("  eid=%d name=%s host=%s port=%d sid=%d rsid=%d acceptance=%s\n",
			r.Eid, r.Name, r.Host, r.Port, r.Sid, r.Rsid, r.Acceptance)
	}
	return nil
}

// splitHostPort parses a "host:port" flag value into its parts, wrapping
// net.SplitHostPort's error with the offending flag value.
func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return host, port, nil
}
