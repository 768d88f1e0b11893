// fleetctl is the serialfleet command-line entry point: serve runs the
// Device Manager and optional admin API until terminated, ports lists
// what the enumerator currently sees, version prints the build stamp.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/commatea/serialfleet/pkg/adminapi"
	"github.com/commatea/serialfleet/pkg/config"
	"github.com/commatea/serialfleet/pkg/devicemgr"
	"github.com/commatea/serialfleet/pkg/logger"
	"github.com/commatea/serialfleet/pkg/policy"
	"github.com/commatea/serialfleet/pkg/portscan"
	"github.com/commatea/serialfleet/pkg/scripting"
	"github.com/commatea/serialfleet/pkg/serialio"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:     "fleetctl",
		Short:   "serialfleet - device identity over a fleet of serial ports",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: searches ./fleet.yaml and friends)")

	root.AddCommand(newServeCmd(), newPortsCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device manager until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	pol, err := buildPolicy(cfg, log)
	if err != nil {
		return fmt.Errorf("build port policy: %w", err)
	}

	// events is wired up below once the admin server (the only
	// consumer of device events outside the manager itself) exists;
	// devicemgr only calls Handler.Handle after Refresh runs, by which
	// point this indirection is resolved.
	var events devicemgr.EventHandler
	mgr := devicemgr.New(devicemgr.Deps{
		Scanner:          portscan.NewSerialScanner(),
		Policy:           pol,
		Factory:          serialio.SerialFactory{},
		Logger:           log,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		Handler:          devicemgr.EventHandlerFunc(func(ev devicemgr.Event) { forward(events, ev) }),
	})

	var admin *adminapi.Server
	if cfg.AdminAPI.Enabled {
		admin = adminapi.NewServer(mgr, adminapi.Config{
			Address: cfg.AdminAPI.Address,
			Auth: adminapi.AuthConfig{
				Enabled:   cfg.AdminAPI.Auth.Enabled,
				JWTSecret: cfg.AdminAPI.Auth.JWTSecret,
			},
		}, log)
		events = admin.EventHandler()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Refresh(ctx); err != nil {
		return fmt.Errorf("initial port scan: %w", err)
	}

	if admin != nil {
		if err := admin.Start(); err != nil {
			return fmt.Errorf("start admin api: %w", err)
		}
		log.Info("admin api listening", "address", cfg.AdminAPI.Address)
	}

	ticker := time.NewTicker(cfg.EnumerationInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("serialfleet running", "enumeration_interval", cfg.EnumerationInterval)

loop:
	for {
		select {
		case <-ticker.C:
			if err := mgr.Refresh(ctx); err != nil {
				log.Warn("periodic refresh failed", "error", err)
			}
		case <-sigCh:
			break loop
		}
	}

	log.Info("shutting down")
	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := admin.Stop(shutdownCtx); err != nil {
			log.Warn("admin api shutdown error", "error", err)
		}
	}
	mgr.Close()
	return nil
}

func forward(h devicemgr.EventHandler, ev devicemgr.Event) {
	if h != nil {
		h.Handle(ev)
	}
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports currently visible to the enumerator",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := portscan.NewSerialScanner().List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s\tvendor=%s product=%s serial=%s manufacturer=%q\n",
					info.Path, info.VendorID, info.ProductID, info.SerialNumber, info.Manufacturer)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetctl %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}

// buildPolicy delegates port-acceptance decisions to a configured
// scripting engine. Without one there is no source for the
// per-device identification command, so every port is ignored; that
// is a configuration gap worth surfacing once at startup rather than
// on every refresh pass.
func buildPolicy(cfg *config.FleetConfig, log *logger.Logger) (policy.OptionPolicy, error) {
	if cfg.Scripting.Engine == "" {
		log.Warn("no scripting engine configured, every port will be ignored")
		return func(info policy.PortInfo) (*policy.PortConfig, error) {
			return nil, nil
		}, nil
	}

	var engine scripting.Engine
	var err error
	switch cfg.Scripting.Engine {
	case "js":
		engine, err = scripting.NewJSEngineFromFile(cfg.Scripting.ScriptPath)
	case "lua":
		engine, err = scripting.NewLuaEngine(cfg.Scripting.ScriptPath)
	default:
		return nil, fmt.Errorf("unknown scripting engine %q", cfg.Scripting.Engine)
	}
	if err != nil {
		return nil, err
	}

	defaults := policy.Defaults{
		BaudRate:              cfg.PortDefaults.BaudRate,
		MaxQueueLength:        cfg.PortDefaults.MaxQueueLength,
		SerialResponseTimeout: cfg.PortDefaults.SerialResponseTimeout,
	}

	return func(info policy.PortInfo) (*policy.PortConfig, error) {
		accepted, err := engine.Accept(info)
		if err != nil || accepted == nil {
			return accepted, err
		}
		applied := accepted.WithDefaultsFrom(defaults)
		return &applied, nil
	}, nil
}
