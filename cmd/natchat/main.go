// Command natchat is a peer-to-peer terminal chat that reaches peers behind
// NAT by UDP hole punching.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/saintparish4/natchat/internal/config"
	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/internal/rendezvous"
	"github.com/saintparish4/natchat/pkg/chat"
	"github.com/saintparish4/natchat/pkg/natchat"
	"github.com/saintparish4/natchat/pkg/netutil"
	"github.com/saintparish4/natchat/pkg/types"
)

var version = "dev" // Set via ldflags

const usage = `natchat: direct peer-to-peer chat through NAT.

Usage:
  natchat chat <user> <peer> [options]
  natchat discover [options]
  natchat lookup <peer> [options]
  natchat peers [options]
  natchat status [options]
  natchat -h | --help
  natchat --version

Options:
  -c, --config <file>  YAML configuration file
  -S, --server <url>   Rendezvous server URL
  --stun <addrs>       Comma separated STUN servers
  -p, --port <n>       Local UDP port, 0 picks a free one
  --ws                 Talk to the rendezvous server over WebSocket
  -v, --verbose        Enable debug logging
  -h, --help           Print this message and exit
  --version            Print version and exit

Environments:
  NATCHAT_SERVER     Rendezvous server URL
  STUN_SERVER        Comma separated STUN servers
  NATCHAT_LOG_LEVEL  Log level (debug, info, warn, error)
`

const requestTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%sError: %v%s\n", chat.ColorRed, err, chat.ColorReset)
		os.Exit(1)
	}
}

type options struct {
	Chat     bool
	Discover bool
	Lookup   bool
	Peers    bool
	Status   bool
	User     string `docopt:"<user>"`
	Peer     string `docopt:"<peer>"`
	Config   string `docopt:"--config"`
	Server   string `docopt:"--server"`
	STUN     string `docopt:"--stun"`
	Port     string `docopt:"--port"`
	WS       bool   `docopt:"--ws"`
	Verbose  bool   `docopt:"--verbose"`
}

func run() error {
	parsed, err := docopt.ParseArgs(usage, os.Args[1:], "natchat "+version)
	if err != nil {
		return err
	}
	var opts options
	if err := parsed.Bind(&opts); err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, logging.Format(cfg.Log.Format), os.Stderr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.Chat:
		return chatCommand(ctx, cfg, opts)
	case opts.Discover:
		return discoverCommand(ctx, cfg)
	case opts.Lookup:
		return lookupCommand(ctx, cfg, opts)
	case opts.Peers:
		return peersCommand(ctx, cfg, opts)
	case opts.Status:
		return statusCommand(ctx, cfg)
	}
	return nil
}

func loadConfig(opts options) (config.Client, error) {
	cfg, err := config.LoadClient(opts.Config)
	if err != nil {
		return cfg, err
	}
	if opts.Server != "" {
		cfg.Server.URL = opts.Server
	}
	if opts.STUN != "" {
		cfg.STUN.Servers = config.SplitList(opts.STUN)
	}
	if opts.Port != "" {
		port, err := strconv.Atoi(opts.Port)
		if err != nil || port < 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid port %q", opts.Port)
		}
		cfg.Client.LocalPort = port
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// rendezvousService returns the HTTP client, or a WebSocket client when asked.
// The returned func releases it.
func rendezvousService(ctx context.Context, cfg config.Client, ws bool) (rendezvous.Service, func(), error) {
	base := cfg.Server.BaseURL()
	if !ws {
		return rendezvous.NewClient(base), func() {}, nil
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	client, err := rendezvous.DialWS(ctx, wsURL)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

func discoverCommand(ctx context.Context, cfg config.Client) error {
	conn, err := netutil.CreateUDPSocket(cfg.Client.LocalPort)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Discovering public endpoint using %s\n", strings.Join(cfg.STUN.Servers, ", "))

	client := natchat.NewClient(cfg, nil)
	disc, err := client.Discover(ctx, conn)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Println()
	for _, r := range disc.Responses {
		if r.Err != nil {
			fmt.Printf("  %s✗ %s: %v%s\n", chat.ColorRed, r.Server, r.Err, chat.ColorReset)
			continue
		}
		fmt.Printf("  %s✓ %s: %s%s\n", chat.ColorGreen, r.Server, r.Endpoint, chat.ColorReset)
	}
	fmt.Println()
	fmt.Printf("Public endpoint: %s%s%s\n", chat.ColorBold, disc.Endpoint, chat.ColorReset)
	fmt.Printf("Local port:      %d\n", netutil.LocalPort(conn))
	switch {
	case disc.Fallback:
		fmt.Printf("%sNo STUN server answered; this is a local address.%s\n", chat.ColorYellow, chat.ColorReset)
	case !disc.Consistent:
		fmt.Printf("%sMapping differs per server; hole punching will likely fail.%s\n", chat.ColorYellow, chat.ColorReset)
	}
	if disc.Private {
		fmt.Printf("%sThis is a private address; only peers on the same network can reach it.%s\n", chat.ColorYellow, chat.ColorReset)
	}
	return nil
}

func lookupCommand(ctx context.Context, cfg config.Client, opts options) error {
	svc, release, err := rendezvousService(ctx, cfg, opts.WS)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ep, err := svc.Lookup(ctx, types.PeerID(opts.Peer))
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", opts.Peer, ep)
	return nil
}

type peerLister interface {
	ListPeers(ctx context.Context) ([]types.PeerID, error)
}

func peersCommand(ctx context.Context, cfg config.Client, opts options) error {
	svc, release, err := rendezvousService(ctx, cfg, opts.WS)
	if err != nil {
		return err
	}
	defer release()

	lister, ok := svc.(peerLister)
	if !ok {
		return fmt.Errorf("rendezvous client cannot list peers")
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	peers, err := lister.ListPeers(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d peer(s) registered\n", len(peers))
	for _, id := range peers {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

func statusCommand(ctx context.Context, cfg config.Client) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	client := rendezvous.NewClient(cfg.Server.BaseURL())
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Server:       %s\n", client.BaseURL)
	fmt.Printf("Status:       %s\n", status.Status)
	fmt.Printf("Active peers: %d\n", status.ActivePeers)
	fmt.Printf("Server time:  %s\n", status.ServerTime)
	return nil
}
