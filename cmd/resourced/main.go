// Package main provides the entry point for resourced, the resource
// build server (spec.md §1).
//
// Usage:
//
//	resourced                    Start the service (default)
//	resourced serve              Start the service
//	resourced version            Show version
//	resourced status             Show service status
//	resourced stop                Stop the running service
//	resourced package <ids...>   Queue maps and run a packaging pass against a running server
//	resourced init-config        Create example configuration file
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/config"
	"github.com/resourced/resourced/internal/resourceid"
	"github.com/resourced/resourced/internal/service"
	"github.com/resourced/resourced/internal/statusapi"
)

// version is set via -ldflags at build time.
var version = "dev"

var configPath string

func main() {
	statusapi.SetVersion(version)

	args := os.Args[1:]
	command := ""
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-"):
			// skip unknown flags
		case command == "":
			command = arg
		default:
			cmdArgs = append(cmdArgs, arg)
		}
	}

	if command == "" {
		command = "serve"
	}

	var err error
	switch command {
	case "serve", "start":
		err = cmdServe()
	case "version", "-v", "--version":
		fmt.Printf("resourced version %s\n", version)
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "package":
		err = cmdPackage(cmdArgs)
	case "init-config":
		err = cmdInitConfig()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`resourced - Resource build server

Usage:
  resourced [flags] [command] [args]

Commands:
  serve             Start the service (default)
  version           Show version information
  status            Show service status
  stop              Stop the running service
  package <ids...>  Queue data://... map IDs and run a packaging pass
  init-config       Create example configuration file
  help              Show this help

Flags:
  --config PATH   Path to configuration file (default: ~/.resourced/config.toml)

Environment:
  RESOURCED_CONFIG     Path to configuration file (alternative to --config)
  RESOURCED_ADDRESS    Override the IPC listen address
  RESOURCED_PORT       Override the IPC listen port

Examples:
  resourced                                  Start the server with defaults
  resourced --config /path/to.toml           Start with custom config
  resourced init-config                      Create example config file
  resourced package data://levels/l1.map     Package one map on a running server
  curl http://127.0.0.1:28817/health         Check server health`)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("RESOURCED_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath()
}

// defaultCompilers is the illustrative compiler catalog spec.md's
// examples assume (§3: "'msh', 'nav', 'map'"). A deployment that ships
// its own compilers would replace this with a catalog built from its
// own worker binary's capabilities.
var defaultCompilers = []compiler.Descriptor{
	{Name: "mesh", Version: 1, Handles: []resourceid.TypeTag{"msh"}, RequiresInputFile: true},
	{Name: "navmesh", Version: 1, Handles: []resourceid.TypeTag{"nav"}, RequiresInputFile: true},
	{Name: "map", Version: 1, Handles: []resourceid.TypeTag{"map"}, RequiresInputFile: true},
}

// classifyByExtension maps a raw file path to a ResourceID type tag by
// file extension, the watcher's classifier contract (spec §4.3). Only
// the extension is inspected, so absolute and relative paths classify
// alike.
func classifyByExtension(registry []compiler.Descriptor) func(path string) (resourceid.TypeTag, bool) {
	handled := make(map[resourceid.TypeTag]bool)
	for _, d := range registry {
		for _, t := range d.Handles {
			handled[t] = true
		}
	}
	return func(path string) (resourceid.TypeTag, bool) {
		i := strings.LastIndexByte(path, '.')
		if i < 0 || i == len(path)-1 {
			return "", false
		}
		tag := resourceid.TypeTag(path[i+1:])
		return tag, handled[tag]
	}
}

func cmdServe() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("resourced already running (PID %d)", pid)
	}

	daemon, err := service.NewDaemon(cfg, defaultCompilers)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	if err := daemon.Start(classifyByExtension(defaultCompilers)); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("resourced v%s listening on %s\n", version, cfg.Address())
	if cfg.Status.Enabled {
		fmt.Printf("status: http://%s/health\n", cfg.Status.Address)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	daemon.Wait(sigCh)

	return nil
}

func cmdStatus() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("resourced: stopped")
		return nil
	}

	fmt.Printf("resourced: running (PID %d)\n", pid)
	fmt.Printf("IPC address: %s\n", cfg.Address())
	fmt.Printf("Config: %s\n", getConfigPath())

	if cfg.Status.Enabled {
		resp, err := http.Get(fmt.Sprintf("http://%s/status", cfg.Status.Address))
		if err == nil {
			defer resp.Body.Close()
			var body struct {
				Busy      bool `json:"busy"`
				Pending   int  `json:"pending"`
				Active    int  `json:"active"`
				Completed int  `json:"completed"`
			}
			if json.NewDecoder(resp.Body).Decode(&body) == nil {
				fmt.Printf("Busy: %v (pending=%d active=%d completed=%d)\n",
					body.Busy, body.Pending, body.Active, body.Completed)
			}
		}
	}

	return nil
}

func cmdStop() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("resourced is not running")
		return nil
	}

	fmt.Printf("stopping resourced (PID %d)...\n", pid)
	if err := service.StopRunning(cfg); err != nil {
		return err
	}

	fmt.Println("resourced stopped")
	return nil
}

// cmdPackage drives a packaging pass against an already-running server
// via the status API's packaging control routes, since spec.md's wire
// protocol assigns packaging no message kind of its own (§4.10).
func cmdPackage(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("package: at least one data://... resource id is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Status.Enabled {
		return fmt.Errorf("package: status API is disabled in config, enable [status] to use this command")
	}

	base := fmt.Sprintf("http://%s", cfg.Status.Address)
	client := &http.Client{Timeout: 10 * time.Second}

	for _, id := range ids {
		payload, _ := json.Marshal(map[string]string{"resource_id": id})
		resp, err := client.Post(base+"/packaging/queue", "application/json", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("package: queue %s: %w", id, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("package: queue %s: server returned %s", id, resp.Status)
		}
	}

	resp, err := client.Post(base+"/packaging/start", "application/json", nil)
	if err != nil {
		return fmt.Errorf("package: start: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("package: start: server returned %s", resp.Status)
	}

	fmt.Printf("queued %d map(s), packaging started\n", len(ids))
	return nil
}

func cmdInitConfig() error {
	path := getConfigPath()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := config.WriteExampleConfig(path); err != nil {
		return err
	}

	fmt.Printf("created example configuration: %s\n", path)
	return nil
}
