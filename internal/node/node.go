// Package node implements the Local Node: the process-wide registry of
// active Peer Sessions, admission control, the TCP listener/accept loop, the
// outbound connector that dials configured peers, and the fan-out of local
// filesystem events into every handshake-completed session. It generalizes
// the teacher's CentralServer (central-server/cserver.go) — the peer
// registry map and staleness-sweep ticker shape survive; the mediating
// rendezvous role does not, since this protocol has no central server.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foldersync/node/internal/config"
	"github.com/foldersync/node/internal/discovery"
	"github.com/foldersync/node/internal/logging"
	"github.com/foldersync/node/internal/protocol"
	"github.com/foldersync/node/internal/session"
	"github.com/foldersync/node/internal/store"
	"github.com/foldersync/node/internal/watch"
)

// LocalNode owns one node's TCP listener, its active sessions, the FS store,
// and the watcher feeding it events. Its own identity (ID) is a process-local
// UUID used for log correlation, the interactive shell's status output, and
// as this node's mDNS instance name; it is never sent in protocol messages,
// where peer identity is purely HostPort.
type LocalNode struct {
	ID  string
	cfg config.Config

	advertised protocol.HostPort
	store      *store.Store
	watcher    *watch.Watcher

	log *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[*session.Session]struct{}

	listener   net.Listener
	runCtx     context.Context
	advertiser *discovery.Advertiser

	discoveredMu sync.RWMutex
	discovered   map[string]bool
}

// New builds a LocalNode from cfg, creating its store and watcher.
func New(cfg config.Config) (*LocalNode, error) {
	advertised, err := parseHostPort(cfg.AdvertisedHostPort)
	if err != nil {
		return nil, fmt.Errorf("node: advertisedHostPort: %w", err)
	}

	st, err := store.New(cfg.ShareDirectory)
	if err != nil {
		return nil, fmt.Errorf("node: store: %w", err)
	}

	w, err := watch.New(cfg.ShareDirectory)
	if err != nil {
		return nil, fmt.Errorf("node: watcher: %w", err)
	}

	id := uuid.NewString()
	return &LocalNode{
		ID:         id,
		cfg:        cfg,
		advertised: advertised,
		store:      st,
		watcher:    w,
		log:        logging.Sugar.With("nodeID", id),
		sessions:   make(map[*session.Session]struct{}),
		discovered: make(map[string]bool),
	}, nil
}

func parseHostPort(s string) (protocol.HostPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return protocol.HostPort{}, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return protocol.HostPort{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return protocol.HostPort{Host: host, Port: port}, nil
}

// session.Node implementation

func (n *LocalNode) HasReachedMaxConnections() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	established := 0
	for s := range n.sessions {
		if s.HandshakeCompleted() {
			established++
		}
	}
	return established >= n.cfg.MaximumIncomingConnections
}

func (n *LocalNode) ConnectedPeers(excluding protocol.HostPort) []protocol.HostPort {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []protocol.HostPort
	for s := range n.sessions {
		if !s.HandshakeCompleted() {
			continue
		}
		hp := s.RemoteHostPort()
		if hp.Equal(excluding) {
			continue
		}
		out = append(out, hp)
	}
	return out
}

func (n *LocalNode) BlockSize() uint64                    { return n.cfg.BlockSize }
func (n *LocalNode) AdvertisedHostPort() protocol.HostPort { return n.advertised }
func (n *LocalNode) Store() *store.Store                   { return n.store }

func (n *LocalNode) Deregister(s *session.Session) {
	n.mu.Lock()
	delete(n.sessions, s)
	n.mu.Unlock()
	n.log.Infow("session closed", "remote", s.RemoteHostPort().String())
}

func (n *LocalNode) register(s *session.Session) {
	n.mu.Lock()
	n.sessions[s] = struct{}{}
	n.mu.Unlock()
}

// Sessions returns a snapshot of currently registered sessions, for the
// interactive shell's "peers" command.
func (n *LocalNode) Sessions() []*session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*session.Session, 0, len(n.sessions))
	for s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// Start binds the TCP listener, begins accepting inbound connections,
// starts the outbound connector's redial loop, and begins watching the
// share directory for local changes. It returns once the listener is bound;
// all loops run in background goroutines until ctx is canceled.
func (n *LocalNode) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("node: listen on %q: %w", n.cfg.ListenAddress, err)
	}
	n.listener = ln
	n.runCtx = ctx
	n.log.Infow("listening", "address", n.cfg.ListenAddress, "advertised", n.advertised.String())

	go n.acceptLoop(ctx)
	go n.connectorLoop(ctx)
	go n.watchLoop(ctx)

	if n.cfg.EnableDiscovery {
		n.startDiscovery(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = n.listener.Close()
		_ = n.watcher.Close()
		if n.advertiser != nil {
			n.advertiser.Stop()
		}
	}()

	return nil
}

// startDiscovery advertises this node over mDNS and browses for others,
// feeding anything it finds into the connector's dial set. Discovery is
// advisory only: the statically configured peer list in cfg.Peers keeps
// working with EnableDiscovery off, and a browse/advertise failure here
// only disables the convenience, never the node.
func (n *LocalNode) startDiscovery(ctx context.Context) {
	n.advertiser = discovery.NewAdvertiser()
	meta := map[string]string{"advertised": n.advertised.String()}
	if err := n.advertiser.Start(n.ID, int(n.advertised.Port), meta); err != nil {
		n.log.Warnw("mDNS advertise failed", "error", err)
		n.advertiser = nil
	}

	resolver, err := discovery.NewResolver()
	if err != nil {
		n.log.Warnw("mDNS resolver unavailable", "error", err)
		return
	}
	peers, err := resolver.Browse(ctx)
	if err != nil {
		n.log.Warnw("mDNS browse failed", "error", err)
		return
	}
	go func() {
		for p := range peers {
			if len(p.IPs) == 0 || p.Port == 0 {
				continue
			}
			addr := fmt.Sprintf("%s:%d", p.IPs[0], p.Port)
			n.discoveredMu.Lock()
			n.discovered[addr] = true
			n.discoveredMu.Unlock()
		}
	}()
}

func (n *LocalNode) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				n.log.Errorw("accept failed", "error", err)
				return
			}
		}
		s := session.New(conn, n, false, protocol.HostPort{Host: remoteHost(conn)})
		n.register(s)
		go func() {
			if err := s.Run(ctx); err != nil {
				n.log.Debugw("inbound session ended", "error", err)
			}
		}()
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// connectorLoop is the out-of-scope outbound connector: it dials every
// candidate in dialCandidates() at startup and on every syncInterval tick,
// skipping peers it already has a live session with. The candidate set is
// the statically configured peer list plus anything startDiscovery's mDNS
// browse has turned up, so discovery augments but never replaces the
// static list.
func (n *LocalNode) connectorLoop(ctx context.Context) {
	n.dialConfiguredPeers(ctx)

	interval := n.cfg.SyncInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.dialConfiguredPeers(ctx)
		}
	}
}

func (n *LocalNode) dialConfiguredPeers(ctx context.Context) {
	connected := make(map[string]bool)
	for _, hp := range n.ConnectedPeers(protocol.HostPort{}) {
		connected[hp.String()] = true
	}

	for _, addr := range n.dialCandidates() {
		if connected[addr] || addr == n.advertised.String() {
			continue
		}
		hp, err := parseHostPort(addr)
		if err != nil {
			n.log.Warnw("skipping invalid configured peer", "peer", addr, "error", err)
			continue
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			n.log.Debugw("configured peer unreachable", "peer", addr, "error", err)
			continue
		}
		s := session.New(conn, n, true, hp)
		n.register(s)
		go func() {
			if err := s.Run(ctx); err != nil {
				n.log.Debugw("outbound session ended", "error", err)
			}
		}()
	}
}

// dialCandidates merges the statically configured peer list with anything
// mDNS has discovered since startup, deduplicated.
func (n *LocalNode) dialCandidates() []string {
	seen := make(map[string]bool)
	var out []string
	for _, addr := range n.cfg.Peers {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	n.discoveredMu.RLock()
	for addr := range n.discovered {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	n.discoveredMu.RUnlock()
	return out
}

// Connect dials addr immediately and registers the resulting session,
// bypassing the connector's syncInterval wait. Used by the interactive
// shell's "register" command to add a peer at runtime.
func (n *LocalNode) Connect(addr string) error {
	if n.runCtx == nil {
		return fmt.Errorf("node: not started")
	}
	hp, err := parseHostPort(addr)
	if err != nil {
		return fmt.Errorf("node: invalid address %q: %w", addr, err)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: dial %q: %w", addr, err)
	}
	s := session.New(conn, n, true, hp)
	n.register(s)
	go func() {
		if err := s.Run(n.runCtx); err != nil {
			n.log.Debugw("outbound session ended", "error", err)
		}
	}()
	return nil
}

// Rescan re-indexes pathName under the share directory and fans out the
// resulting create, modify, or (when the path is gone) delete event to every
// connected peer, for the
// interactive shell's "watch <path>" command — a manual nudge for changes
// the filesystem watcher missed or that happened before the node started.
func (n *LocalNode) Rescan(pathName string) error {
	kind := watch.FileModify
	if _, err := os.Stat(n.store.AbsPath(pathName)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("node: stat %q: %w", pathName, err)
		}
		kind = watch.FileDelete
	} else if !n.store.FileNameExists(pathName) {
		kind = watch.FileCreate
	}
	n.fanOut(watch.Event{Kind: kind, PathName: pathName})
	return nil
}

// watchLoop bridges the filesystem watcher into the Event Fan-out path.
func (n *LocalNode) watchLoop(ctx context.Context) {
	n.watcher.Run(ctx, n.fanOut, func(err error) {
		n.log.Errorw("watcher error", "error", err)
	})
}

// fanOut invokes every handshake-completed session's ProcessFileSystemEvent
// for one local filesystem change. A panic or error in one session's send
// path must not affect the others.
func (n *LocalNode) fanOut(evt watch.Event) {
	fd, ok := n.descriptorFor(evt)
	if !ok {
		return
	}

	n.mu.RLock()
	sessions := make([]*session.Session, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.RUnlock()

	for _, s := range sessions {
		s := s
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Errorw("panic while fanning out fs event", "recovered", r)
				}
			}()
			if err := s.ProcessFileSystemEvent(evt, fd); err != nil {
				n.log.Warnw("failed to notify peer of fs event", "remote", s.RemoteHostPort().String(), "error", err)
			}
		}()
	}
}

// descriptorFor resolves the FileDescriptor that should accompany evt. File
// events need the content hash of what is on disk right now (for deletes,
// what was on disk immediately before); directory events carry no
// descriptor, so a zero value is returned alongside ok=true.
func (n *LocalNode) descriptorFor(evt watch.Event) (protocol.FileDescriptor, bool) {
	switch evt.Kind {
	case watch.FileCreate, watch.FileModify:
		fv, err := n.store.Reindex(evt.PathName)
		if err != nil {
			n.log.Warnw("failed to reindex changed file", "path", evt.PathName, "error", err)
			return protocol.FileDescriptor{}, false
		}
		return protocol.FileDescriptor{MD5: fv.MD5, LastModified: fv.LastModified, FileSize: fv.FileSize}, true
	case watch.FileDelete:
		fv, ok := n.store.Forget(evt.PathName)
		if !ok {
			return protocol.FileDescriptor{}, false
		}
		return protocol.FileDescriptor{MD5: fv.MD5, LastModified: fv.LastModified, FileSize: fv.FileSize}, true
	case watch.DirectoryCreate, watch.DirectoryDelete:
		return protocol.FileDescriptor{}, true
	default:
		return protocol.FileDescriptor{}, false
	}
}
