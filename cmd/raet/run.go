package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gtmanfred/raet/pkg/log"
	"github.com/gtmanfred/raet/pkg/metrics"
	"github.com/gtmanfred/raet/pkg/stacking"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// stackConfig mirrors run's flags for YAML-file configuration, so a stack
// can be deployed from a committed file instead of a long flag line.
type stackConfig struct {
	Name        string `yaml:"name"`
	Dir         string `yaml:"dir"`
	Bind        string `yaml:"bind"`
	Main        bool   `yaml:"main"`
	AutoAccept  bool   `yaml:"autoAccept"`
	TickHz      int    `yaml:"tickHz"`
	MetricsAddr string `yaml:"metricsAddr"`
}

func loadStackConfig(path string) (stackConfig, error) {
	var cfg stackConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a RoadStack until interrupted",
	Long: `run constructs a RoadStack from its keep directory (or mints a
fresh identity if none is persisted yet) and drives its cooperative
Service() loop at a fixed tick rate until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("config", "", "path to a YAML file providing the flags below")
	runCmd.Flags().String("name", "", "stack name (required unless --config sets it)")
	runCmd.Flags().String("dir", "", "keep store root directory (required unless --config sets it)")
	runCmd.Flags().String("bind", "127.0.0.1:7530", "host:port to bind the UDP socket")
	runCmd.Flags().Bool("main", false, "run as the main estate (assigns eids to joiners)")
	runCmd.Flags().Bool("auto-accept", false, "auto-promote new remotes to accepted")
	runCmd.Flags().Int("tick-hz", 50, "service loop tick rate, in hertz")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the /metrics HTTP endpoint")
}

func runRun(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dir, _ := cmd.Flags().GetString("dir")
	bind, _ := cmd.Flags().GetString("bind")
	main, _ := cmd.Flags().GetBool("main")
	autoAccept, _ := cmd.Flags().GetBool("auto-accept")
	tickHz, _ := cmd.Flags().GetInt("tick-hz")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		cfg, err := loadStackConfig(configPath)
		if err != nil {
			return err
		}
		name, dir, bind, main, autoAccept, metricsAddr = cfg.Name, cfg.Dir, cfg.Bind, cfg.Main, cfg.AutoAccept, cfg.MetricsAddr
		if cfg.TickHz != 0 {
			tickHz = cfg.TickHz
		}
	}
	if name == "" || dir == "" {
		return fmt.Errorf("--name and --dir are required, directly or via --config")
	}

	host, port, err := splitHostPort(bind)
	if err != nil {
		return err
	}

	rs, err := stacking.New(stacking.Config{
		Name: name, Main: main, DirPath: dir, Host: host, Port: port,
		AutoAccept: autoAccept,
	})
	if err != nil {
		return fmt.Errorf("construct stack: %w", err)
	}
	defer rs.Close()

	logger := log.WithComponent("run").With().Str("stack", name).Logger()
	logger.Info().Uint32("eid", rs.Local().Eid).Str("bind", bind).Msg("stack started")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
			if err := rs.DumpLocal(); err != nil {
				logger.Warn().Err(err).Msg("dump local failed")
			}
			for _, r := range rs.Remotes() {
				if err := rs.DumpRemote(r.Eid); err != nil {
					logger.Warn().Err(err).Uint32("eid", r.Eid).Msg("dump remote failed")
				}
			}
			return nil

		case msg := <-rs.Inbox():
			logger.Info().Uint32("from", msg.FromEid).Str("body", strings.TrimSpace(string(msg.Body))).Msg("message received")

		case fail := <-rs.Failures():
			logger.Warn().Uint32("eid", fail.Eid).Err(fail.Err).Msg("delivery failed")

		case <-ticker.C:
			rs.Service()
		}
	}
}
