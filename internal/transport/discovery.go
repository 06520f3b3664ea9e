package transport

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// Discovery announces this peer over mDNS and dials every announced peer
// editing the same document. LAN-scoped by nature; WAN peers connect
// through explicitly configured addresses instead.
type Discovery struct {
	service  string
	instance string
	docID    string
	port     int
	mesh     *Mesh
	log      zerolog.Logger

	server *zeroconf.Server
	cancel context.CancelFunc
}

func NewDiscovery(service, instance, docID string, port int, mesh *Mesh, log zerolog.Logger) *Discovery {
	return &Discovery{
		service:  service,
		instance: instance,
		docID:    docID,
		port:     port,
		mesh:     mesh,
		log:      log,
	}
}

// Start registers the mDNS service and begins browsing for peers. Browsing
// continues until Stop.
func (d *Discovery) Start(ctx context.Context) error {
	txt := []string{"doc=" + d.docID, "replica=" + d.instance}
	server, err := zeroconf.Register(d.instance, d.service, "local.", d.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	d.server = server

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 8)
	go d.consume(entries)
	if err := resolver.Browse(browseCtx, d.service, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		return fmt.Errorf("mdns browse: %w", err)
	}
	d.log.Info().Str("service", d.service).Str("doc", d.docID).Msg("peer discovery started")
	return nil
}

func (d *Discovery) consume(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		doc, replica := parseTxt(entry.Text)
		if doc != d.docID || replica == d.instance {
			continue
		}
		// Only the lexicographically smaller instance dials, so a pair of
		// peers ends up with one connection instead of two.
		if d.instance > replica {
			continue
		}
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		addr := net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprintf("%d", entry.Port))
		d.log.Info().Str("peer", replica).Str("addr", addr).Msg("discovered peer")
		d.mesh.Connect(addr)
	}
}

func parseTxt(txt []string) (doc, replica string) {
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, "doc="); ok {
			doc = v
		}
		if v, ok := strings.CutPrefix(kv, "replica="); ok {
			replica = v
		}
	}
	return doc, replica
}

// Stop withdraws the mDNS announcement and stops browsing.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
}
