// Package discovery advertises and resolves nodes on the local network via
// mDNS. It supplements, but never replaces, the statically configured peer
// list the outbound connector dials at startup: a browse failure only
// disables the convenience, never the connector.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/foldersync/node/internal/logging"
)

const (
	// ServiceType is the mDNS service type nodes advertise themselves under.
	ServiceType = "_foldersync-node._tcp"
	// Domain is the mDNS domain searched and advertised into.
	Domain = "local."
)

// PeerInfo describes a node discovered on the local network.
type PeerInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Advertiser broadcasts this node's presence over mDNS.
type Advertiser struct {
	server *zeroconf.Server
	name   string
}

// NewAdvertiser creates an inactive Advertiser; call Start to broadcast.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting nodeID and port over mDNS, with meta as TXT
// records (typically the node's advertised host:port).
func (a *Advertiser) Start(nodeID string, port int, meta map[string]string) error {
	a.name = instanceName(nodeID)

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(a.name, ServiceType, Domain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("discovery: register mDNS service: %w", err)
	}
	a.server = server
	logging.Sugar.Infow("advertising over mDNS", "instance", a.name, "port", port, "meta", meta)
	return nil
}

func instanceName(nodeID string) string {
	if nodeID != "" {
		return nodeID
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "foldersync-node"
	}
	return fmt.Sprintf("foldersync-node-%s", hostname)
}

// Stop withdraws the mDNS advertisement.
func (a *Advertiser) Stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	logging.Sugar.Infow("withdrew mDNS advertisement", "instance", a.name)
}

// Resolver discovers other nodes advertising ServiceType on the LAN. It
// deduplicates against entries already delivered on a previous Browse call,
// since zeroconf's underlying mDNS responder re-announces on its own
// schedule and the connector only needs to hear about each peer once.
type Resolver struct {
	resolver *zeroconf.Resolver

	mu   sync.Mutex
	seen map[string]bool
}

// NewResolver creates a Resolver.
func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create resolver: %w", err)
	}
	return &Resolver{resolver: resolver, seen: make(map[string]bool)}, nil
}

// Browse scans for peers until ctx is canceled, delivering each newly seen
// peer on the returned channel, which is closed when the scan ends. A peer
// whose instance name was already delivered on an earlier call (or earlier
// in this same scan) is logged at debug level and not resent.
func (r *Resolver) Browse(ctx context.Context) (<-chan *PeerInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *PeerInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	go func() {
		defer close(results)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := parseEntry(entry)
				if info == nil {
					continue
				}
				if r.markSeen(info.InstanceName) {
					logging.Sugar.Debugw("re-announced peer ignored", "instance", info.InstanceName)
					continue
				}
				logging.Sugar.Infow("discovered peer over mDNS", "instance", info.InstanceName, "ips", info.IPs, "port", info.Port)
				results <- info
			}
		}
	}()

	return results, nil
}

// markSeen records instance as delivered and reports whether it had already
// been seen before this call.
func (r *Resolver) markSeen(instance string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[instance] {
		return true
	}
	r.seen[instance] = true
	return false
}

func parseEntry(entry *zeroconf.ServiceEntry) *PeerInfo {
	info := &PeerInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Meta:         make(map[string]string),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			info.Meta[parts[0]] = parts[1]
		}
	}
	if len(info.IPs) == 0 {
		return nil
	}
	return info
}
