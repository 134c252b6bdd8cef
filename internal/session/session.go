// Package session implements one Peer Session: the state machine owning a
// single TCP connection, its handshake state, its peer-hint candidate list,
// and the request/response dispatcher that drives chunked file transfers.
// The shape — a reader goroutine looping over framed messages and
// dispatching by command, with a mutex-guarded writer shared with the
// fan-out path — follows the teacher's peer.go/TCPTransport.handleConn, with
// the teacher's gob+binary framing and multi-peer chunk scheduler replaced
// by line-delimited JSON and strictly sequential single-session chunking.
package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/foldersync/node/internal/logging"
	"github.com/foldersync/node/internal/metrics"
	"github.com/foldersync/node/internal/protocol"
	"github.com/foldersync/node/internal/store"
	"github.com/foldersync/node/internal/watch"
)

// errTerminate is returned internally by handlers that decide the session
// must close; it carries no information beyond "stop the reader loop."
var errTerminate = errors.New("session: terminate")

// Node is the subset of the Local Node's behavior a session needs: access
// to admission control, the shared store, and deregistration on exit.
type Node interface {
	HasReachedMaxConnections() bool
	ConnectedPeers(excluding protocol.HostPort) []protocol.HostPort
	BlockSize() uint64
	AdvertisedHostPort() protocol.HostPort
	Store() *store.Store
	Deregister(*Session)
}

// Session is one TCP connection to a peer, plus its protocol state.
type Session struct {
	node     Node
	log      *zap.SugaredLogger
	outbound bool

	connMu sync.Mutex // guards conn/reader/writer across redials
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	handshakeCompleted atomic.Bool

	remoteMu sync.RWMutex
	remote   protocol.HostPort

	peerCandidates []protocol.HostPort // reader-task private, no lock needed

	transfersMu sync.Mutex
	transfers   map[string]*TransferProgress
}

// New constructs a Session over an already-connected socket. outbound marks
// whether this side initiated the connection (and so must send
// HANDSHAKE_REQUEST first); remote is the best-known endpoint for logging
// and, for outbound sessions, the configured target.
func New(conn net.Conn, node Node, outbound bool, remote protocol.HostPort) *Session {
	role := "inbound"
	if outbound {
		role = "outbound"
	}
	s := &Session{
		node:      node,
		log:       logging.ForSession(remote.String(), role),
		outbound:  outbound,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		remote:    remote,
		transfers: make(map[string]*TransferProgress),
	}
	return s
}

// RemoteHostPort returns the best-known endpoint for the other side of this
// session. It may change over the session's life if a CONNECTION_REFUSED
// hint is followed.
func (s *Session) RemoteHostPort() protocol.HostPort {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.remote
}

func (s *Session) setRemoteHostPort(hp protocol.HostPort) {
	s.remoteMu.Lock()
	s.remote = hp
	s.remoteMu.Unlock()
}

// HandshakeCompleted reports whether this session has finished its
// handshake. Safe to call from any goroutine.
func (s *Session) HandshakeCompleted() bool {
	return s.handshakeCompleted.Load()
}

// Transfers returns a snapshot of the inbound transfers currently tracked on
// this session, keyed by path name. Safe to call from any goroutine.
func (s *Session) Transfers() map[string]*TransferProgress {
	s.transfersMu.Lock()
	defer s.transfersMu.Unlock()
	out := make(map[string]*TransferProgress, len(s.transfers))
	for p, tp := range s.transfers {
		out[p] = tp
	}
	return out
}

// Run drives the session to completion: for outbound sessions it sends the
// initial HANDSHAKE_REQUEST, then loops reading and dispatching messages
// until an I/O failure, protocol violation, or context cancellation ends it.
// Run always deregisters the session from its Node before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.node.Deregister(s)
	defer s.closeConn()
	metrics.Global.SessionOpened()
	defer metrics.Global.SessionClosed()

	if s.outbound {
		if err := s.sendHandshakeRequest(); err != nil {
			return fmt.Errorf("session: initial handshake: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		s.closeConn()
	}()

	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		msg, decErr := protocol.Decode([]byte(line))
		if decErr != nil {
			s.sendInvalidProtocol("Invalid protocol: the message misses required fields")
			return fmt.Errorf("session: decode: %w", decErr)
		}
		if err := s.dispatch(msg); err != nil {
			if errors.Is(err, errTerminate) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) readLine() (string, error) {
	s.connMu.Lock()
	reader := s.reader
	s.connMu.Unlock()

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) writeMessage(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.connMu.Lock()
	w := s.writer
	s.connMu.Unlock()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("session: flush: %w", err)
	}
	return nil
}

func (s *Session) sendHandshakeRequest() error {
	return s.writeMessage(protocol.HandshakeRequest{
		Command:  protocol.CommandHandshakeRequest,
		HostPort: s.node.AdvertisedHostPort(),
	})
}

func (s *Session) sendInvalidProtocol(message string) {
	if err := s.writeMessage(protocol.InvalidProtocol{
		Command: protocol.CommandInvalidProtocol,
		Message: message,
	}); err != nil {
		s.log.Warnw("failed to send INVALID_PROTOCOL", "error", err)
	}
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// dispatch routes a decoded message to its handler, gating all but the
// handshake/refusal commands on handshakeCompleted per invariant P1.
func (s *Session) dispatch(msg any) error {
	switch m := msg.(type) {
	case protocol.HandshakeRequest:
		return s.handleHandshakeRequest(m)
	case protocol.HandshakeResponse:
		return s.handleHandshakeResponse(m)
	case protocol.ConnectionRefused:
		return s.handleConnectionRefused(m)
	case protocol.InvalidProtocol:
		s.log.Errorw("peer reported invalid protocol", "message", m.Message)
		return errTerminate
	}

	if !s.handshakeCompleted.Load() {
		return nil
	}

	switch m := msg.(type) {
	case protocol.FileCreateRequest:
		return s.handleFileCreateRequest(m)
	case protocol.FileCreateResponse:
		return s.handleGenericResponse("FILE_CREATE_RESPONSE", m.Status, m.Message)
	case protocol.FileModifyRequest:
		return s.handleFileModifyRequest(m)
	case protocol.FileModifyResponse:
		return s.handleGenericResponse("FILE_MODIFY_RESPONSE", m.Status, m.Message)
	case protocol.FileDeleteRequest:
		return s.handleFileDeleteRequest(m)
	case protocol.FileDeleteResponse:
		return s.handleGenericResponse("FILE_DELETE_RESPONSE", m.Status, m.Message)
	case protocol.FileBytesRequest:
		return s.handleFileBytesRequest(m)
	case protocol.FileBytesResponse:
		return s.handleFileBytesResponse(m)
	case protocol.DirectoryCreateRequest:
		return s.handleDirectoryCreateRequest(m)
	case protocol.DirectoryCreateResponse:
		return s.handleGenericResponse("DIRECTORY_CREATE_RESPONSE", m.Status, m.Message)
	case protocol.DirectoryDeleteRequest:
		return s.handleDirectoryDeleteRequest(m)
	case protocol.DirectoryDeleteResponse:
		return s.handleGenericResponse("DIRECTORY_DELETE_RESPONSE", m.Status, m.Message)
	}
	return nil
}

func (s *Session) handleHandshakeRequest(m protocol.HandshakeRequest) error {
	if s.handshakeCompleted.Load() {
		s.sendInvalidProtocol("handshake has been completed")
		return errTerminate
	}
	if s.node.HasReachedMaxConnections() {
		peers := s.node.ConnectedPeers(m.HostPort)
		if err := s.writeMessage(protocol.ConnectionRefused{
			Command: protocol.CommandConnectionRefused,
			Message: "Connection limit reached",
			Peers:   peers,
		}); err != nil {
			return err
		}
		metrics.Global.HandshakeRefused()
		return errTerminate
	}

	s.setRemoteHostPort(m.HostPort)
	if err := s.writeMessage(protocol.HandshakeResponse{
		Command:  protocol.CommandHandshakeResponse,
		HostPort: s.node.AdvertisedHostPort(),
	}); err != nil {
		return err
	}
	s.handshakeCompleted.Store(true)
	return nil
}

func (s *Session) handleHandshakeResponse(m protocol.HandshakeResponse) error {
	s.setRemoteHostPort(m.HostPort)
	s.handshakeCompleted.Store(true)
	s.peerCandidates = nil
	return nil
}

// handleConnectionRefused implements the peer-hinting fallback: append new
// candidates, then repeatedly try the head of the queue until one accepts a
// TCP connection or the queue is exhausted.
func (s *Session) handleConnectionRefused(m protocol.ConnectionRefused) error {
	if s.handshakeCompleted.Load() {
		s.sendInvalidProtocol("Invalid protocol: unexpected message for current handshake state")
		return errTerminate
	}

	for _, p := range m.Peers {
		if !containsHostPort(s.peerCandidates, p) {
			s.peerCandidates = append(s.peerCandidates, p)
		}
	}
	if len(s.peerCandidates) == 0 {
		return errTerminate
	}

	for len(s.peerCandidates) > 0 {
		candidate := s.peerCandidates[0]
		s.peerCandidates = s.peerCandidates[1:]

		conn, err := net.Dial("tcp", candidate.String())
		if err != nil {
			s.log.Warnw("candidate peer unreachable", "candidate", candidate.String(), "error", err)
			continue
		}

		s.closeConn()
		s.connMu.Lock()
		s.conn = conn
		s.reader = bufio.NewReader(conn)
		s.connMu.Unlock()
		s.writeMu.Lock()
		s.writer = bufio.NewWriter(conn)
		s.writeMu.Unlock()
		s.setRemoteHostPort(candidate)

		return s.sendHandshakeRequest()
	}
	return errTerminate
}

func containsHostPort(list []protocol.HostPort, hp protocol.HostPort) bool {
	for _, existing := range list {
		if existing.Equal(hp) {
			return true
		}
	}
	return false
}

func (s *Session) handleGenericResponse(name string, status bool, message string) error {
	if !status {
		s.log.Warnw("peer returned failure", "command", name, "message", message)
	}
	return nil
}

func (s *Session) requestFirstChunk(p string, fd protocol.FileDescriptor) error {
	length := s.node.BlockSize()
	if fd.FileSize < length {
		length = fd.FileSize
	}
	s.transfersMu.Lock()
	s.transfers[p] = NewTransferProgress(p, fd.FileSize)
	s.transfersMu.Unlock()

	return s.writeMessage(protocol.FileBytesRequest{
		Command:        protocol.CommandFileBytesRequest,
		FileDescriptor: fd,
		PathName:       p,
		Position:       0,
		Length:         length,
	})
}

func (s *Session) handleFileCreateRequest(m protocol.FileCreateRequest) error {
	st := s.node.Store()
	p, fd := m.PathName, m.FileDescriptor

	var status, startTransfer bool
	var message string

	switch {
	case !st.IsSafePathName(p):
		message = fmt.Sprintf("Path name is unsafe: %s", p)
	case st.FileNameExistsWithHash(p, fd.MD5):
		message = fmt.Sprintf("File with the same content has existed: %s", p)
	case st.FileNameExists(p) && !st.ModifyFileLoader(p, fd.MD5, fd.LastModified):
		message = fmt.Sprintf("There is a newer version: %s", p)
	case st.FileNameExists(p):
		status, startTransfer = true, true
		message = "Overwrite the older version"
	default:
		if err := st.CreateFileLoader(p, fd.MD5, fd.FileSize, fd.LastModified); err != nil {
			message = fmt.Sprintf("File loader failed: %v", err)
		} else if st.CheckShortcut(p) {
			_ = st.CancelFileLoader(p)
			message = "There is a file with the same content, no need to transfer it again."
		} else {
			status, startTransfer = true, true
			message = "File loader ready"
		}
	}

	if err := s.writeMessage(protocol.FileCreateResponse{
		Command: protocol.CommandFileCreateResponse, FileDescriptor: fd, PathName: p,
		Message: message, Status: status,
	}); err != nil {
		return err
	}
	if startTransfer {
		return s.requestFirstChunk(p, fd)
	}
	return nil
}

func (s *Session) handleFileModifyRequest(m protocol.FileModifyRequest) error {
	st := s.node.Store()
	p, fd := m.PathName, m.FileDescriptor

	var status, startTransfer bool
	var message string

	switch {
	case !st.IsSafePathName(p):
		message = fmt.Sprintf("Path name is unsafe: %s", p)
	case st.FileNameExistsWithHash(p, fd.MD5):
		message = fmt.Sprintf("File with the same content has existed: %s", p)
	case !st.ModifyFileLoader(p, fd.MD5, fd.LastModified):
		message = "File doesn't exist: File modify request failed"
	default:
		status, startTransfer = true, true
		message = "Modify file loader ready"
	}

	if err := s.writeMessage(protocol.FileModifyResponse{
		Command: protocol.CommandFileModifyResponse, FileDescriptor: fd, PathName: p,
		Message: message, Status: status,
	}); err != nil {
		return err
	}
	if startTransfer {
		return s.requestFirstChunk(p, fd)
	}
	return nil
}

func (s *Session) handleFileDeleteRequest(m protocol.FileDeleteRequest) error {
	st := s.node.Store()
	p, fd := m.PathName, m.FileDescriptor

	var status bool
	var message string
	switch {
	case !st.IsSafePathName(p):
		message = fmt.Sprintf("Path name is unsafe: %s", p)
	case !st.DeleteFile(p, fd.LastModified, fd.MD5):
		message = fmt.Sprintf("File doesn't exist: %s", p)
	default:
		status = true
		message = "The file was deleted"
	}

	return s.writeMessage(protocol.FileDeleteResponse{
		Command: protocol.CommandFileDeleteResponse, FileDescriptor: fd, PathName: p,
		Message: message, Status: status,
	})
}

func (s *Session) handleDirectoryCreateRequest(m protocol.DirectoryCreateRequest) error {
	st := s.node.Store()
	p := m.PathName

	var status bool
	var message string
	switch {
	case !st.IsSafePathName(p):
		message = fmt.Sprintf("Path name is unsafe: %s", p)
	case st.DirNameExists(p):
		message = fmt.Sprintf("Directory name has existed: %s", p)
	default:
		if err := st.MakeDirectory(p); err != nil {
			message = fmt.Sprintf("Directory create failed: %v", err)
		} else {
			status = true
			message = "Directory was created"
		}
	}

	return s.writeMessage(protocol.DirectoryCreateResponse{
		Command: protocol.CommandDirectoryCreateResponse, PathName: p, Message: message, Status: status,
	})
}

func (s *Session) handleDirectoryDeleteRequest(m protocol.DirectoryDeleteRequest) error {
	st := s.node.Store()
	p := m.PathName

	var status bool
	var message string
	switch {
	case !st.IsSafePathName(p):
		message = fmt.Sprintf("Path name is unsafe: %s", p)
	case !st.DirNameExists(p):
		message = fmt.Sprintf("Directory doesn't exist: %s", p)
	default:
		if err := st.DeleteDirectory(p); err != nil {
			message = fmt.Sprintf("Directory delete failed: %v", err)
		} else {
			status = true
			message = "Directory was deleted"
		}
	}

	return s.writeMessage(protocol.DirectoryDeleteResponse{
		Command: protocol.CommandDirectoryDeleteResponse, PathName: p, Message: message, Status: status,
	})
}

func (s *Session) handleFileBytesRequest(m protocol.FileBytesRequest) error {
	st := s.node.Store()
	data, err := st.ReadFile(m.FileDescriptor.MD5, m.Position, m.Length)
	if err != nil {
		return fmt.Errorf("session: store read failure: %w", err)
	}
	metrics.Global.AddBytesSent(int64(len(data)))

	return s.writeMessage(protocol.FileBytesResponse{
		Command:        protocol.CommandFileBytesResponse,
		FileDescriptor: m.FileDescriptor,
		PathName:       m.PathName,
		Position:       m.Position,
		Length:         m.Length,
		Content:        base64.StdEncoding.EncodeToString(data),
		Message:        "successful read",
		Status:         true,
	})
}

func (s *Session) handleFileBytesResponse(m protocol.FileBytesResponse) error {
	st := s.node.Store()
	p := m.PathName

	if !m.Status {
		s.log.Warnw("peer reported failed read", "pathName", p, "message", m.Message)
		s.finishTransfer(p, false)
		return st.CancelFileLoader(p)
	}

	data, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		return fmt.Errorf("session: decode chunk: %w", err)
	}
	if err := st.WriteFile(p, data, m.Position); err != nil {
		return fmt.Errorf("session: write chunk: %w", err)
	}
	metrics.Global.AddBytesReceived(int64(len(data)))

	s.transfersMu.Lock()
	if tp, ok := s.transfers[p]; ok {
		tp.Advance(m.Position + uint64(len(data)))
	}
	s.transfersMu.Unlock()

	nextPosition := m.Position + m.Length
	var remaining uint64
	if m.FileDescriptor.FileSize > nextPosition {
		remaining = m.FileDescriptor.FileSize - nextPosition
	}
	nextLength := remaining
	if nextLength > m.Length {
		nextLength = m.Length
	}

	if !st.CheckWriteComplete(p) && nextLength != 0 {
		return s.writeMessage(protocol.FileBytesRequest{
			Command:        protocol.CommandFileBytesRequest,
			FileDescriptor: m.FileDescriptor,
			PathName:       p,
			Position:       nextPosition,
			Length:         nextLength,
		})
	}

	s.finishTransfer(p, true)
	if err := st.CancelFileLoader(p); err != nil {
		return fmt.Errorf("session: finalize %q: %w", p, err)
	}
	metrics.Global.TransferCompleted()
	return nil
}

func (s *Session) finishTransfer(p string, success bool) {
	s.transfersMu.Lock()
	tp, ok := s.transfers[p]
	s.transfersMu.Unlock()
	if !ok {
		return
	}
	if success {
		tp.MarkComplete()
	} else {
		tp.MarkFailed()
		metrics.Global.TransferFailed()
	}
}

// ProcessFileSystemEvent translates a local filesystem change into the
// matching outbound protocol message, per the Event Fan-out table. It is a
// no-op until the handshake has completed. I/O failures are logged and
// returned but never terminate the session — termination is reader-driven.
func (s *Session) ProcessFileSystemEvent(evt watch.Event, fd protocol.FileDescriptor) error {
	if !s.handshakeCompleted.Load() {
		return nil
	}

	var err error
	switch evt.Kind {
	case watch.FileCreate:
		err = s.writeMessage(protocol.FileCreateRequest{Command: protocol.CommandFileCreateRequest, FileDescriptor: fd, PathName: evt.PathName})
	case watch.FileDelete:
		err = s.writeMessage(protocol.FileDeleteRequest{Command: protocol.CommandFileDeleteRequest, FileDescriptor: fd, PathName: evt.PathName})
	case watch.FileModify:
		err = s.writeMessage(protocol.FileModifyRequest{Command: protocol.CommandFileModifyRequest, FileDescriptor: fd, PathName: evt.PathName})
	case watch.DirectoryCreate:
		err = s.writeMessage(protocol.DirectoryCreateRequest{Command: protocol.CommandDirectoryCreateRequest, PathName: evt.PathName})
	case watch.DirectoryDelete:
		err = s.writeMessage(protocol.DirectoryDeleteRequest{Command: protocol.CommandDirectoryDeleteRequest, PathName: evt.PathName})
	}
	if err != nil {
		s.log.Errorw("failed to send fs event", "event", evt.Kind.String(), "path", evt.PathName, "error", err)
	}
	return err
}
