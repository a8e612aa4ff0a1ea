package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/shurlinet/gitd/internal/addrbook"
	"github.com/shurlinet/gitd/internal/fetch"
	"github.com/shurlinet/gitd/internal/gossip"
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/netmetrics"
	"github.com/shurlinet/gitd/internal/nodeconfig"
	"github.com/shurlinet/gitd/internal/pclock"
	"github.com/shurlinet/gitd/internal/routing"
	"github.com/shurlinet/gitd/internal/service"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/transport"
)

const (
	tickInterval  = time.Second
	routingMaxAge = 24 * time.Hour
)

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", defaultConfigPath, "path to the config file")
	addrbookFlag := fs.String("addrbook", "addrbook.json", "path to the address book file")
	routingFlag := fs.String("routing", "routing.json", "path to the routing table file")
	if err := fs.Parse(args); err != nil {
		fatal("%v", err)
	}

	cfg, err := nodeconfig.Load(*configFlag)
	if err != nil {
		fatal("load config: %v", err)
	}

	priv, err := identity.LoadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		fatal("load identity: %v", err)
	}
	signer, err := identity.LoadOrCreateSigner(cfg.Identity.KeyFile)
	if err != nil {
		fatal("load signer: %v", err)
	}

	policy, err := cfg.TrackingPolicy()
	if err != nil {
		fatal("tracking policy: %v", err)
	}
	persistent, err := parsePersistentPeers(cfg.Network.PersistentPeers)
	if err != nil {
		fatal("persistent peers: %v", err)
	}

	store := storage.NewMemStorage()
	routingStore := routing.NewFileStore(*routingFlag)
	table, err := routing.Open(routingStore, cfg.Limits.MaxRoutingEntries, uint64(routingMaxAge.Seconds()))
	if err != nil {
		fatal("open routing table: %v", err)
	}
	book, err := addrbook.Open(*addrbookFlag)
	if err != nil {
		fatal("open address book: %v", err)
	}
	engine := gossip.New(gossip.DefaultConfig(), table, store)

	clock := pclock.New()
	rnd := pclock.NewRand(seedFromNodeID(signer.NodeID()), seedFromNodeID(signer.NodeID())^0x9e3779b97f4a7c15)

	svc := service.New(cfg.ServiceConfig(), clock, rnd, signer, store, table, engine, book, policy, persistent)

	fetchCfg := fetch.DefaultConfig()
	if cfg.Limits.MaxFetchConcurrency != 0 {
		fetchCfg.MaxConcurrent = cfg.Limits.MaxFetchConcurrency
	}
	pool := fetch.NewPool(store, fetchCfg)

	host, err := transport.NewHost(transport.HostConfig{
		PrivateKey:  priv,
		ListenAddrs: cfg.Network.ListenAddresses,
	})
	if err != nil {
		fatal("start host: %v", err)
	}
	defer host.Close()

	reactor := transport.NewReactor(svc, host, pool, clock)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pool.Run(ctx)
	defer pool.Stop()

	if cfg.Metrics.Enabled {
		metrics := netmetrics.New(version, runtime.Version())
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go runCommandLoop(ctx, reactor, os.Stdin, os.Stdout, cancel)

	if err := reactor.Run(ctx, tickInterval); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "reactor stopped: %v\n", err)
		osExit(1)
	}
}

// runCommandLoop reads one operator command per line from r and
// dispatches it through reactor.Exec, the seam that lets this
// goroutine reach the single-threaded service safely while the
// reactor's own goroutine is running.
func runCommandLoop(ctx context.Context, reactor *transport.Reactor, r io.Reader, w io.Writer, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			cancel()
			return
		default:
			if err := dispatchCommand(ctx, reactor, fields, w); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func dispatchCommand(ctx context.Context, reactor *transport.Reactor, fields []string, w io.Writer) error {
	switch fields[0] {
	case "connect":
		if len(fields) < 3 {
			return fmt.Errorf("usage: connect <node-hex> <addr> [persistent]")
		}
		node, err := parseNodeID(fields[1])
		if err != nil {
			return err
		}
		addr := fields[2]
		persistent := len(fields) > 3 && fields[3] == "persistent"
		return reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			return svc.RequestConnect(node, addr, persistent), nil
		})
	case "disconnect":
		if len(fields) < 2 {
			return fmt.Errorf("usage: disconnect <node-hex>")
		}
		node, err := parseNodeID(fields[1])
		if err != nil {
			return err
		}
		return reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			return svc.HandleDisconnected(node, service.ReasonOperator), nil
		})
	case "track":
		if len(fields) < 2 {
			return fmt.Errorf("usage: track <project-id>")
		}
		proj, err := storage.ParseProjectID(fields[1])
		if err != nil {
			return err
		}
		return reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			actions, _ := svc.Track(proj)
			return actions, nil
		})
	case "untrack":
		if len(fields) < 2 {
			return fmt.Errorf("usage: untrack <project-id>")
		}
		proj, err := storage.ParseProjectID(fields[1])
		if err != nil {
			return err
		}
		return reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			actions, _ := svc.Untrack(proj)
			return actions, nil
		})
	case "announce-refs":
		if len(fields) < 2 {
			return fmt.Errorf("usage: announce-refs <project-id>")
		}
		proj, err := storage.ParseProjectID(fields[1])
		if err != nil {
			return err
		}
		return reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			return svc.AnnounceRefs(proj)
		})
	case "status":
		var st service.Status
		err := reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			st = svc.Status()
			return nil, nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "peers=%d routing=%d pending_fetches=%d\n", st.Peers, st.RoutingSize, st.PendingFetch)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", fields[0])
	}
}

func parseNodeID(hexStr string) (identity.NodeID, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("invalid node id %q: %w", hexStr, err)
	}
	return identity.NodeIDFromBytes(b)
}

// parsePersistentPeers parses "nodeid@addr" entries into the map
// service.New expects.
func parsePersistentPeers(raw []string) (map[identity.NodeID]string, error) {
	out := make(map[identity.NodeID]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid persistent peer %q, want nodeid@addr", entry)
		}
		node, err := parseNodeID(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid persistent peer %q: %w", entry, err)
		}
		out[node] = parts[1]
	}
	return out, nil
}

func seedFromNodeID(id identity.NodeID) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

