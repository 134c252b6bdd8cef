package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foldersync/node/internal/protocol"
	"github.com/foldersync/node/internal/store"
	"github.com/foldersync/node/internal/watch"
)

// fakeNode is a minimal in-memory Node for exercising Session without a
// real LocalNode registry.
type fakeNode struct {
	advertised protocol.HostPort
	blockSize  uint64
	maxReached bool
	peers      []protocol.HostPort
	store      *store.Store

	mu           sync.Mutex
	deregistered bool
}

func newFakeNode(t *testing.T, advertised protocol.HostPort) *fakeNode {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return &fakeNode{advertised: advertised, blockSize: 4, store: st}
}

func (n *fakeNode) HasReachedMaxConnections() bool { return n.maxReached }
func (n *fakeNode) ConnectedPeers(excluding protocol.HostPort) []protocol.HostPort {
	var out []protocol.HostPort
	for _, p := range n.peers {
		if !p.Equal(excluding) {
			out = append(out, p)
		}
	}
	return out
}
func (n *fakeNode) BlockSize() uint64                       { return n.blockSize }
func (n *fakeNode) AdvertisedHostPort() protocol.HostPort    { return n.advertised }
func (n *fakeNode) Store() *store.Store                      { return n.store }
func (n *fakeNode) Deregister(*Session) {
	n.mu.Lock()
	n.deregistered = true
	n.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	connA, connB := net.Pipe()
	nodeA := newFakeNode(t, protocol.HostPort{Host: "a", Port: 1})
	nodeB := newFakeNode(t, protocol.HostPort{Host: "b", Port: 2})
	sessA := New(connA, nodeA, true, protocol.HostPort{Host: "b", Port: 2})
	sessB := New(connB, nodeB, false, protocol.HostPort{Host: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessA.Run(ctx)
	go sessB.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return sessA.HandshakeCompleted() && sessB.HandshakeCompleted()
	})

	if !sessA.RemoteHostPort().Equal(protocol.HostPort{Host: "b", Port: 2}) {
		t.Errorf("sessA remote = %v", sessA.RemoteHostPort())
	}
	if !sessB.RemoteHostPort().Equal(protocol.HostPort{Host: "a", Port: 1}) {
		t.Errorf("sessB remote = %v", sessB.RemoteHostPort())
	}
}

func TestHandshakeRequestRefusedAtCapacity(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()

	node := newFakeNode(t, protocol.HostPort{Host: "b", Port: 2})
	node.maxReached = true
	node.peers = []protocol.HostPort{{Host: "c", Port: 3}}

	sess := New(connB, node, false, protocol.HostPort{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	writer := bufio.NewWriter(connA)
	reader := bufio.NewReader(connA)
	if _, err := writer.WriteString(`{"command":"HANDSHAKE_REQUEST","hostPort":{"host":"x","port":9}}` + "\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	refused, ok := msg.(protocol.ConnectionRefused)
	if !ok {
		t.Fatalf("got %T, want ConnectionRefused", msg)
	}
	if len(refused.Peers) != 1 || !refused.Peers[0].Equal(protocol.HostPort{Host: "c", Port: 3}) {
		t.Errorf("Peers = %v, want [{c 3}]", refused.Peers)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after refusal")
	}
}

func TestDuplicateHandshakeIsProtocolViolation(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()

	node := newFakeNode(t, protocol.HostPort{Host: "b", Port: 2})
	sess := New(connB, node, false, protocol.HostPort{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	writer := bufio.NewWriter(connA)
	reader := bufio.NewReader(connA)
	send := func(line string) {
		if _, err := writer.WriteString(line + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := writer.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	send(`{"command":"HANDSHAKE_REQUEST","hostPort":{"host":"x","port":9}}`)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read first response: %v", err)
	}

	send(`{"command":"HANDSHAKE_REQUEST","hostPort":{"host":"x","port":9}}`)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read second response: %v", err)
	}
	msg, err := protocol.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(protocol.InvalidProtocol); !ok {
		t.Fatalf("got %T, want InvalidProtocol", msg)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after duplicate handshake")
	}
}

func TestFileTransferEndToEnd(t *testing.T) {
	connA, connB := net.Pipe()
	nodeA := newFakeNode(t, protocol.HostPort{Host: "a", Port: 1})
	nodeB := newFakeNode(t, protocol.HostPort{Host: "b", Port: 2})
	sessA := New(connA, nodeA, true, protocol.HostPort{Host: "b", Port: 2})
	sessB := New(connB, nodeB, false, protocol.HostPort{Host: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessA.Run(ctx)
	go sessB.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return sessA.HandshakeCompleted() && sessB.HandshakeCompleted()
	})

	content := []byte("hello, synchronized world")
	if err := nodeA.store.CreateFileLoader("f.txt", store.HashBytes(content), uint64(len(content)), 1000); err != nil {
		t.Fatalf("CreateFileLoader: %v", err)
	}
	if err := nodeA.store.WriteFile("f.txt", content, 0); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := nodeA.store.CancelFileLoader("f.txt"); err != nil {
		t.Fatalf("CancelFileLoader: %v", err)
	}

	fd := protocol.FileDescriptor{MD5: store.HashBytes(content), FileSize: uint64(len(content)), LastModified: 1000}
	if err := sessA.ProcessFileSystemEvent(watch.Event{Kind: watch.FileCreate, PathName: "f.txt"}, fd); err != nil {
		t.Fatalf("ProcessFileSystemEvent: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return nodeB.store.FileNameExistsWithHash("f.txt", fd.MD5)
	})

	got, err := nodeB.store.ReadFile(fd.MD5, 0, uint64(len(content)))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("transferred content = %q, want %q", got, content)
	}
}

func TestFileTransferEndToEndEmptyFile(t *testing.T) {
	connA, connB := net.Pipe()
	nodeA := newFakeNode(t, protocol.HostPort{Host: "a", Port: 1})
	nodeB := newFakeNode(t, protocol.HostPort{Host: "b", Port: 2})
	sessA := New(connA, nodeA, true, protocol.HostPort{Host: "b", Port: 2})
	sessB := New(connB, nodeB, false, protocol.HostPort{Host: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessA.Run(ctx)
	go sessB.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return sessA.HandshakeCompleted() && sessB.HandshakeCompleted()
	})

	sum := store.HashBytes(nil)
	if err := nodeA.store.CreateFileLoader("empty.txt", sum, 0, 1000); err != nil {
		t.Fatalf("CreateFileLoader: %v", err)
	}
	if err := nodeA.store.CancelFileLoader("empty.txt"); err != nil {
		t.Fatalf("CancelFileLoader: %v", err)
	}

	fd := protocol.FileDescriptor{MD5: sum, FileSize: 0, LastModified: 1000}
	if err := sessA.ProcessFileSystemEvent(watch.Event{Kind: watch.FileCreate, PathName: "empty.txt"}, fd); err != nil {
		t.Fatalf("ProcessFileSystemEvent: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return nodeB.store.FileNameExistsWithHash("empty.txt", sum)
	})
}

// TestWriteMessageIsAtomicUnderConcurrency pins P3: writeMu must serialize
// concurrent writers so two goroutines' frames are never interleaved on the
// wire. Without the lock around write+flush in writeMessage, the
// reader below would see corrupt or truncated JSON lines.
func TestWriteMessageIsAtomicUnderConcurrency(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	node := newFakeNode(t, protocol.HostPort{Host: "a", Port: 1})
	sess := New(connA, node, true, protocol.HostPort{Host: "b", Port: 2})

	const writers = 8
	const perWriter = 25
	total := writers * perWriter

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				msg := protocol.FileDeleteRequest{
					Command:  protocol.CommandFileDeleteRequest,
					PathName: fmt.Sprintf("writer-%d-msg-%d", writer, j),
				}
				if err := sess.writeMessage(msg); err != nil {
					t.Errorf("writeMessage: %v", err)
				}
			}
		}(i)
	}

	reader := bufio.NewReader(connB)
	seen := make(map[string]bool)
	readErr := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			line, err := reader.ReadString('\n')
			if err != nil {
				readErr <- fmt.Errorf("read: %w", err)
				return
			}
			msg, err := protocol.Decode([]byte(strings.TrimSpace(line)))
			if err != nil {
				readErr <- fmt.Errorf("decode %q: %w", line, err)
				return
			}
			fdr, ok := msg.(protocol.FileDeleteRequest)
			if !ok {
				readErr <- fmt.Errorf("got %T, want FileDeleteRequest", msg)
				return
			}
			seen[fdr.PathName] = true
		}
		readErr <- nil
	}()

	wg.Wait()
	select {
	case err := <-readErr:
		if err != nil {
			t.Fatalf("frames corrupted by concurrent writers: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reader did not drain all concurrently written messages")
	}

	if len(seen) != total {
		t.Errorf("received %d distinct messages, want %d", len(seen), total)
	}
}

func unreachableHostPort(t *testing.T) protocol.HostPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hp := mustHostPort(t, ln.Addr().String())
	if err := ln.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return hp
}

func mustHostPort(t *testing.T, addr string) protocol.HostPort {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port %q: %v", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("atoi %q: %v", portStr, err)
	}
	return protocol.HostPort{Host: host, Port: uint16(port)}
}

// TestConnectionRefusedFallsThroughToFirstReachableCandidate pins P6: given
// CONNECTION_REFUSED peer hints [A, B, C] where A and B refuse the TCP
// connection and C accepts, the session must drain A and B off the
// candidate queue and end up talking to C.
func TestConnectionRefusedFallsThroughToFirstReachableCandidate(t *testing.T) {
	candidateA := unreachableHostPort(t)
	candidateB := unreachableHostPort(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	candidateC := mustHostPort(t, ln.Addr().String())

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	connA, connB := net.Pipe()
	defer connA.Close()

	node := newFakeNode(t, protocol.HostPort{Host: "self", Port: 0})
	sess := New(connB, node, true, protocol.HostPort{Host: "initial", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	reader := bufio.NewReader(connA)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read initial HANDSHAKE_REQUEST: %v", err)
	}

	data, err := protocol.Encode(protocol.ConnectionRefused{
		Command: protocol.CommandConnectionRefused,
		Message: "Connection limit reached",
		Peers:   []protocol.HostPort{candidateA, candidateB, candidateC},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	writer := bufio.NewWriter(connA)
	if _, err := writer.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("candidate C was never dialed")
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake on accepted conn: %v", err)
	}
	msg, err := protocol.Decode([]byte(strings.TrimSpace(line)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(protocol.HandshakeRequest); !ok {
		t.Fatalf("got %T, want HandshakeRequest", msg)
	}

	waitFor(t, time.Second, func() bool {
		return sess.RemoteHostPort().Equal(candidateC)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after context cancellation")
	}
}

// TestFileCreateUnsafePathWinsOverCollision pins P8: the safe-path check
// must be evaluated before the same-content collision check, so a path that
// is simultaneously unsafe and already committed under that exact name and
// hash is rejected as unsafe, not accepted as a no-op shortcut.
func TestFileCreateUnsafePathWinsOverCollision(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()

	node := newFakeNode(t, protocol.HostPort{Host: "b", Port: 2})
	sess := New(connB, node, false, protocol.HostPort{})

	const unsafePath = "bad\x00name"
	const md5Sum = "d41d8cd98f00b204e9800998ecf8427e"
	node.store.ImportCommittedFile(unsafePath, md5Sum, 0, 1000)
	if !node.store.FileNameExistsWithHash(unsafePath, md5Sum) {
		t.Fatal("setup: expected seeded file to collide on path and hash")
	}
	if node.store.IsSafePathName(unsafePath) {
		t.Fatal("setup: expected seeded path name to be unsafe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	writer := bufio.NewWriter(connA)
	reader := bufio.NewReader(connA)
	send := func(msg any) {
		data, err := protocol.Encode(msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := writer.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	recv := func() any {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.Decode([]byte(strings.TrimSpace(line)))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	send(protocol.HandshakeRequest{Command: protocol.CommandHandshakeRequest, HostPort: protocol.HostPort{Host: "x", Port: 9}})
	if _, ok := recv().(protocol.HandshakeResponse); !ok {
		t.Fatal("setup: handshake did not complete")
	}

	send(protocol.FileCreateRequest{
		Command:        protocol.CommandFileCreateRequest,
		FileDescriptor: protocol.FileDescriptor{MD5: md5Sum, FileSize: 0, LastModified: 1000},
		PathName:       unsafePath,
	})
	reply := recv()
	resp, ok := reply.(protocol.FileCreateResponse)
	if !ok {
		t.Fatalf("got %T, want FileCreateResponse", reply)
	}
	if resp.Status {
		t.Errorf("Status = true, want false for an unsafe path name")
	}
	if !strings.Contains(resp.Message, "unsafe") {
		t.Errorf("Message = %q, want it to cite the path as unsafe, not a content collision", resp.Message)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
