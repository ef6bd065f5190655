// Relnet: CLI entry point.
//
// This tool runs one endpoint of a reliable, ordered packet transport over
// either a plain UDP socket or a WebRTC DataChannel (signaled over
// WebSocket). Lines typed on stdin are sent to the peer as reliable
// messages and every message received is printed to stdout.
//
// Prefix a line with "/drop " to send it unreliably or with "/once " to send
// it as a once-off reliable message outside any channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/relnet/internal/app"
	"github.com/1ureka/relnet/internal/config"
	"github.com/1ureka/relnet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags. Anything given here overrides the config file.
	configPath := flag.String("config", "", "Path to a YAML config file")
	listen := flag.String("listen", "", "Local UDP address to bind (udp only)")
	peer := flag.String("peer", "", "Remote UDP address to talk to (udp only)")
	transport := flag.String("transport", "", "Datagram transport: udp or webrtc")
	role := flag.String("role", "", "Signaling role: host or client (webrtc only)")
	ws := flag.String("ws", "", "Signaling listen address (host) or WebSocket URL (client)")
	internal := flag.Bool("internal", false, "Accept packets from unknown peers")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["listen"] {
		cfg.Listen = *listen
	}
	if set["peer"] {
		cfg.Peer = *peer
	}
	if set["transport"] {
		cfg.Transport = config.Transport(*transport)
	}
	if set["role"] {
		cfg.Role = config.Role(*role)
	}
	if set["internal"] {
		cfg.Internal = *internal
	}
	if set["debug"] {
		cfg.Debug = *debugMode
	}
	if set["ws"] {
		if cfg.Role == config.RoleClient {
			cfg.WSURL = *ws
		} else {
			cfg.WSListen = *ws
		}
	}
	if cfg.WSURL != "" {
		if cfg.WSURL, err = normalizeWSURL(cfg.WSURL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Relnet v%s", version))
	pterm.Println()

	node, err := app.Open(ctx, cfg, os.Stdout)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := node.Run(ctx, os.Stdin); err != nil {
		util.LogError("node stopped: %v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed relnet node")
}

// loadConfig reads path, or returns the defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
