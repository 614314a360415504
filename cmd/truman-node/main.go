package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"truman/internal/backend"
	"truman/internal/config"
	"truman/internal/logging"
	"truman/internal/node"
	"truman/internal/peer"
	"truman/internal/pprofutil"
)

const eventPollInterval = 200 * time.Millisecond

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], os.Stdin, stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: truman-node <run|id> [args]")
	fmt.Fprintln(w, "  run  [--config file.yml] [--home dir] [--listen ip:port] [--advertise ip:port]")
	fmt.Fprintln(w, "       [--whitelist id,id] [--wolves id,id] [--bootstrap id@ip:port,...]")
	fmt.Fprintln(w, "       [--metrics ip:port] [--mdns] [--repl] [--debug]")
	fmt.Fprintln(w, "  id   [--home dir]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".truman")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBootstrap(s string) ([]config.BootstrapPeer, error) {
	var out []config.BootstrapPeer
	for _, entry := range splitList(s) {
		id, addr, ok := strings.Cut(entry, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("bootstrap entry %q: want <peer id>@<addr>", entry)
		}
		out = append(out, config.BootstrapPeer{ID: id, Addr: addr})
	}
	return out, nil
}

func loadConfig(fs *flag.FlagSet, path, home, listen, advertise, whitelist, wolves, bootstrap, metricsAddr string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["home"] || cfg.Home == "" {
		cfg.Home = home
	}
	if set["listen"] {
		cfg.ListenAddr = listen
	}
	if set["advertise"] {
		cfg.AdvertiseAddr = advertise
	}
	if set["whitelist"] {
		cfg.Whitelist = splitList(whitelist)
	}
	if set["wolves"] {
		cfg.InitialWolves = splitList(wolves)
	}
	if set["bootstrap"] {
		peers, err := parseBootstrap(bootstrap)
		if err != nil {
			return nil, err
		}
		cfg.Bootstrap = append(cfg.Bootstrap, peers...)
	}
	if set["metrics"] {
		cfg.Metrics.Addr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config file")
	home := fs.String("home", homeDir(), "key directory")
	listen := fs.String("listen", "", "listen addr (host:port)")
	advertise := fs.String("advertise", "", "addr announced to peers")
	whitelist := fs.String("whitelist", "", "comma separated peer ids; empty admits everyone")
	wolves := fs.String("wolves", "", "comma separated initial wolf peer ids")
	bootstrap := fs.String("bootstrap", "", "comma separated <peer id>@<addr>")
	metricsAddr := fs.String("metrics", "", "debug http addr for /metrics")
	mdnsOn := fs.Bool("mdns", false, "announce and browse peers on the local link")
	repl := fs.Bool("repl", false, "read commands from stdin")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("TRUMAN_DEBUG", "1")
	}
	cfg, err := loadConfig(fs, *cfgPath, *home, *listen, *advertise, *whitelist, *wolves, *bootstrap, *metricsAddr)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *mdnsOn {
		cfg.Discovery.MDNS = true
	}
	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer closeLog()

	nw := backend.New(backend.Options{Logger: log})
	if err := nw.InitConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "init failed: %v\n", err)
		return 1
	}
	defer nw.Cleanup()
	if err := nw.StartGossipLoop(); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	dbg, err := pprofutil.Start(cfg.Metrics, nw.MetricsHandler(), log)
	if err != nil {
		fmt.Fprintf(stderr, "debug http: %v\n", err)
		return 1
	}
	defer func() { _ = dbg.Close() }()

	id, _ := nw.LocalPeerID()
	addr, _ := nw.ListenAddr()
	fmt.Fprintf(stdout, "READY addr=%s peer_id=%s\n", addr, id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *repl {
		go func() {
			runRepl(stdin, stdout, nw)
			stop()
		}()
	}
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printEvents(stdout, nw, log)
			return 0
		case <-ticker.C:
			printEvents(stdout, nw, log)
		}
	}
}

func printEvents(w io.Writer, nw *backend.Network, log *zap.Logger) {
	lines, err := nw.CollectEventsJSON()
	if err != nil {
		log.Warn("encode events failed", zap.Error(err))
		return
	}
	for _, l := range lines {
		fmt.Fprintf(w, "EVENT %s\n", l)
	}
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "key directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	self, err := node.NewIdentity(*home)
	if err != nil {
		fmt.Fprintf(stderr, "id: identity unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, self.ID.String())
	return 0
}

type replHandlers struct {
	status  func()
	peers   func()
	ping    func(id string)
	send    func(tag, msg string)
	sendTo  func(id, tag, msg string)
	wolf    func(id string)
	unknown func(w io.Writer)
}

// dispatchRepl runs one command line. It returns true when the session
// should end.
func dispatchRepl(line string, out io.Writer, h replHandlers) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	call := func(ok bool, fn func()) {
		if !ok {
			if h.unknown != nil {
				h.unknown(out)
			}
			return
		}
		fn()
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "status":
		call(h.status != nil, h.status)
	case "peers":
		call(h.peers != nil, h.peers)
	case "ping":
		call(h.ping != nil && len(fields) == 2, func() { h.ping(fields[1]) })
	case "send":
		call(h.send != nil && len(fields) >= 3, func() { h.send(fields[1], strings.Join(fields[2:], " ")) })
	case "sendto":
		call(h.sendTo != nil && len(fields) >= 4, func() { h.sendTo(fields[1], fields[2], strings.Join(fields[3:], " ")) })
	case "wolf":
		call(h.wolf != nil && len(fields) == 2, func() { h.wolf(fields[1]) })
	default:
		call(false, nil)
	}
	return false
}

func networkHandlers(out io.Writer, nw *backend.Network) replHandlers {
	report := func(what string, err error) {
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", what, err)
			return
		}
		fmt.Fprintf(out, "%s: ok\n", what)
	}
	withID := func(what, s string, fn func(peer.ID) error) {
		id, err := peer.Decode(s)
		if err != nil {
			report(what, err)
			return
		}
		report(what, fn(id))
	}
	return replHandlers{
		status: func() {
			id, _ := nw.LocalPeerID()
			addr, _ := nw.ListenAddr()
			recs, _ := nw.Peers()
			counts := make(map[string]int)
			for _, r := range recs {
				counts[r.Status.String()]++
			}
			fmt.Fprintf(out, "peer_id=%s addr=%s running=%v\n", id, addr, nw.Running())
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %d\n", k, counts[k])
			}
		},
		peers: func() {
			recs, _ := nw.Peers()
			sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
			for _, r := range recs {
				fmt.Fprintf(out, "%s %s role=%s addr=%s\n", r.ID, r.Status, r.Role, r.Addr)
			}
		},
		ping: func(s string) {
			withID("ping", s, nw.Ping)
		},
		send: func(tag, msg string) {
			report("send", nw.BroadcastMessage([]byte(msg), []byte(tag), nil))
		},
		sendTo: func(s, tag, msg string) {
			withID("sendto", s, func(id peer.ID) error {
				return nw.BroadcastMessage([]byte(msg), []byte(tag), &id)
			})
		},
		wolf: func(s string) {
			withID("wolf", s, nw.NewWolf)
		},
		unknown: func(w io.Writer) {
			fmt.Fprintln(w, "commands: status | peers | ping <id> | send <tag> <msg> | sendto <id> <tag> <msg> | wolf <id> | quit")
		},
	}
}

func runRepl(in io.Reader, out io.Writer, nw *backend.Network) {
	h := networkHandlers(out, nw)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if dispatchRepl(sc.Text(), out, h) {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(out, "repl: %v\n", err)
	}
}
