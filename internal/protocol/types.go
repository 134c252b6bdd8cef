// Package protocol defines the line-delimited JSON messages exchanged
// between peers and the typed domain values they carry.
package protocol

// HostPort identifies a peer's advertised network endpoint.
type HostPort struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Equal reports whether two HostPort values are structurally identical.
func (h HostPort) Equal(other HostPort) bool {
	return h.Host == other.Host && h.Port == other.Port
}

func (h HostPort) String() string {
	return h.Host + ":" + portString(h.Port)
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for p > 0 {
		i--
		digits[i] = byte('0' + p%10)
		p /= 10
	}
	return string(digits[i:])
}

// FileDescriptor identifies a version of a file by content hash, size and
// modification time. It is never mutated after construction.
type FileDescriptor struct {
	MD5          string `json:"md5"`
	LastModified int64  `json:"lastModified"`
	FileSize     uint64 `json:"fileSize"`
}

// Command is the closed set of wire command names.
type Command string

const (
	CommandHandshakeRequest      Command = "HANDSHAKE_REQUEST"
	CommandHandshakeResponse     Command = "HANDSHAKE_RESPONSE"
	CommandConnectionRefused     Command = "CONNECTION_REFUSED"
	CommandInvalidProtocol       Command = "INVALID_PROTOCOL"
	CommandFileCreateRequest     Command = "FILE_CREATE_REQUEST"
	CommandFileCreateResponse    Command = "FILE_CREATE_RESPONSE"
	CommandFileDeleteRequest     Command = "FILE_DELETE_REQUEST"
	CommandFileDeleteResponse    Command = "FILE_DELETE_RESPONSE"
	CommandFileModifyRequest     Command = "FILE_MODIFY_REQUEST"
	CommandFileModifyResponse    Command = "FILE_MODIFY_RESPONSE"
	CommandFileBytesRequest      Command = "FILE_BYTES_REQUEST"
	CommandFileBytesResponse     Command = "FILE_BYTES_RESPONSE"
	CommandDirectoryCreateRequest  Command = "DIRECTORY_CREATE_REQUEST"
	CommandDirectoryCreateResponse Command = "DIRECTORY_CREATE_RESPONSE"
	CommandDirectoryDeleteRequest  Command = "DIRECTORY_DELETE_REQUEST"
	CommandDirectoryDeleteResponse Command = "DIRECTORY_DELETE_RESPONSE"
)

// HandshakeRequest is sent by the connection initiator immediately after
// the socket is established, and by a node replying to a connect-refused
// peer hint.
type HandshakeRequest struct {
	Command  Command  `json:"command"`
	HostPort HostPort `json:"hostPort"`
}

// HandshakeResponse completes a handshake.
type HandshakeResponse struct {
	Command  Command  `json:"command"`
	HostPort HostPort `json:"hostPort"`
}

// ConnectionRefused is sent instead of HandshakeResponse when the node has
// reached its incoming connection cap; it hints at other connected peers.
type ConnectionRefused struct {
	Command Command    `json:"command"`
	Message string     `json:"message"`
	Peers   []HostPort `json:"peers"`
}

// InvalidProtocol reports a framing or state violation. The session always
// terminates after sending one of these.
type InvalidProtocol struct {
	Command Command `json:"command"`
	Message string  `json:"message"`
}

// FileCreateRequest announces a new file to a peer.
type FileCreateRequest struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
}

// FileCreateResponse answers a FileCreateRequest.
type FileCreateResponse struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
	Message        string         `json:"message"`
	Status         bool           `json:"status"`
}

// FileDeleteRequest announces a file removal to a peer.
type FileDeleteRequest struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
}

// FileDeleteResponse answers a FileDeleteRequest.
type FileDeleteResponse struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
	Message        string         `json:"message"`
	Status         bool           `json:"status"`
}

// FileModifyRequest announces a content change to an existing file.
type FileModifyRequest struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
}

// FileModifyResponse answers a FileModifyRequest.
type FileModifyResponse struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
	Message        string         `json:"message"`
	Status         bool           `json:"status"`
}

// FileBytesRequest asks for a chunk of a known file's content.
type FileBytesRequest struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
	Position       uint64         `json:"position"`
	Length         uint64         `json:"length"`
}

// FileBytesResponse carries a base64-encoded chunk of file content.
type FileBytesResponse struct {
	Command        Command        `json:"command"`
	FileDescriptor FileDescriptor `json:"fileDescriptor"`
	PathName       string         `json:"pathName"`
	Position       uint64         `json:"position"`
	Length         uint64         `json:"length"`
	Content        string         `json:"content"`
	Message        string         `json:"message"`
	Status         bool           `json:"status"`
}

// DirectoryCreateRequest announces a new directory to a peer.
type DirectoryCreateRequest struct {
	Command  Command `json:"command"`
	PathName string  `json:"pathName"`
}

// DirectoryCreateResponse answers a DirectoryCreateRequest.
type DirectoryCreateResponse struct {
	Command  Command `json:"command"`
	PathName string  `json:"pathName"`
	Message  string  `json:"message"`
	Status   bool    `json:"status"`
}

// DirectoryDeleteRequest announces a directory removal to a peer.
type DirectoryDeleteRequest struct {
	Command  Command `json:"command"`
	PathName string  `json:"pathName"`
}

// DirectoryDeleteResponse answers a DirectoryDeleteRequest.
type DirectoryDeleteResponse struct {
	Command  Command `json:"command"`
	PathName string  `json:"pathName"`
	Message  string  `json:"message"`
	Status   bool    `json:"status"`
}
