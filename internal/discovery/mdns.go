package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"truman/internal/peer"
)

const (
	DefaultMDNSService = "_truman._udp"
	mdnsQueryTimeout   = time.Second
	txtIDPrefix        = "id="
)

var ErrNoPeerID = errors.New("mdns entry carries no peer id")

// Announce answers mDNS queries for service with this node's id and port
// until the returned server is shut down.
func Announce(service string, id peer.ID, port int, log *zap.Logger) (*mdns.Server, error) {
	if service == "" {
		service = DefaultMDNSService
	}
	if log == nil {
		log = zap.NewNop()
	}
	svc, err := mdns.NewMDNSService(id.String(), service, "", "", port, nil, []string{txtIDPrefix + id.String()})
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	log.Info("mdns announce", zap.String("service", service), zap.Int("port", port))
	return srv, nil
}

// Browse queries the local link for service every interval and calls fn
// for each entry that names a peer, until ctx is done.
func Browse(ctx context.Context, service string, interval time.Duration, log *zap.Logger, fn func(Entry)) {
	if service == "" {
		service = DefaultMDNSService
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := queryOnce(service, log, fn); err != nil {
			log.Debug("mdns query failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func queryOnce(service string, log *zap.Logger, fn func(Entry)) error {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for se := range entries {
			e, err := entryFromService(se)
			if err != nil {
				log.Debug("mdns entry skipped", zap.Error(err))
				continue
			}
			fn(e)
		}
	}()
	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = mdnsQueryTimeout
	err := mdns.Query(params)
	close(entries)
	<-done
	return err
}

func entryFromService(se *mdns.ServiceEntry) (Entry, error) {
	if se == nil {
		return Entry{}, ErrNoPeerID
	}
	var raw string
	for _, f := range se.InfoFields {
		if strings.HasPrefix(f, txtIDPrefix) {
			raw = strings.TrimPrefix(f, txtIDPrefix)
			break
		}
	}
	if raw == "" {
		return Entry{}, ErrNoPeerID
	}
	id, err := peer.Decode(raw)
	if err != nil {
		return Entry{}, err
	}
	ip := se.AddrV4
	if ip == nil {
		ip = se.AddrV6
	}
	if ip == nil || se.Port <= 0 {
		return Entry{}, fmt.Errorf("mdns entry for %s has no address", id.Short())
	}
	return Entry{ID: id, Addr: net.JoinHostPort(ip.String(), strconv.Itoa(se.Port))}, nil
}

// ListenPort extracts the port a transport listens on.
func ListenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("bad port in %q", addr)
	}
	return port, nil
}
