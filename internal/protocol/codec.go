package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the generic shape every message shares; it is decoded first
// so the codec can branch on Command before committing to a typed variant.
type envelope struct {
	Command        Command         `json:"command"`
	HostPort       *HostPort       `json:"hostPort"`
	Message        *string         `json:"message"`
	Peers          []HostPort      `json:"peers"`
	FileDescriptor *FileDescriptor `json:"fileDescriptor"`
	PathName       *string         `json:"pathName"`
	Status         *bool           `json:"status"`
	Position       *uint64         `json:"position"`
	Length         *uint64         `json:"length"`
	Content        *string         `json:"content"`
}

// ErrMalformed is returned when a line cannot be parsed as JSON at all.
type ErrMalformed struct {
	Line string
	Err  error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *ErrMalformed) Unwrap() error { return e.Err }

// ErrInvalid is returned when a line parses as JSON but is missing a
// required field for its command.
type ErrInvalid struct {
	Command Command
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid message for command %q: missing required fields", e.Command)
}

// Decode parses one line of wire protocol into its typed representation.
// The returned value is one of the *Request/*Response/Handshake*/
// ConnectionRefused/InvalidProtocol structs declared in types.go.
func Decode(line []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ErrMalformed{Line: string(line), Err: err}
	}

	switch env.Command {
	case CommandHandshakeRequest:
		if env.HostPort == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return HandshakeRequest{Command: env.Command, HostPort: *env.HostPort}, nil

	case CommandHandshakeResponse:
		if env.HostPort == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return HandshakeResponse{Command: env.Command, HostPort: *env.HostPort}, nil

	case CommandConnectionRefused:
		if env.Message == nil || env.Peers == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return ConnectionRefused{Command: env.Command, Message: *env.Message, Peers: env.Peers}, nil

	case CommandInvalidProtocol:
		if env.Message == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return InvalidProtocol{Command: env.Command, Message: *env.Message}, nil

	case CommandFileCreateRequest:
		if env.FileDescriptor == nil || env.PathName == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileCreateRequest{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName}, nil

	case CommandFileCreateResponse:
		if env.FileDescriptor == nil || env.PathName == nil || env.Message == nil || env.Status == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileCreateResponse{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName, Message: *env.Message, Status: *env.Status}, nil

	case CommandFileDeleteRequest:
		if env.FileDescriptor == nil || env.PathName == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileDeleteRequest{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName}, nil

	case CommandFileDeleteResponse:
		if env.FileDescriptor == nil || env.PathName == nil || env.Message == nil || env.Status == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileDeleteResponse{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName, Message: *env.Message, Status: *env.Status}, nil

	case CommandFileModifyRequest:
		if env.FileDescriptor == nil || env.PathName == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileModifyRequest{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName}, nil

	case CommandFileModifyResponse:
		if env.FileDescriptor == nil || env.PathName == nil || env.Message == nil || env.Status == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileModifyResponse{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName, Message: *env.Message, Status: *env.Status}, nil

	case CommandFileBytesRequest:
		if env.FileDescriptor == nil || env.PathName == nil || env.Position == nil || env.Length == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileBytesRequest{Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName, Position: *env.Position, Length: *env.Length}, nil

	case CommandFileBytesResponse:
		if env.FileDescriptor == nil || env.PathName == nil || env.Position == nil || env.Length == nil || env.Content == nil || env.Message == nil || env.Status == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return FileBytesResponse{
			Command: env.Command, FileDescriptor: *env.FileDescriptor, PathName: *env.PathName,
			Position: *env.Position, Length: *env.Length, Content: *env.Content,
			Message: *env.Message, Status: *env.Status,
		}, nil

	case CommandDirectoryCreateRequest:
		if env.PathName == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return DirectoryCreateRequest{Command: env.Command, PathName: *env.PathName}, nil

	case CommandDirectoryCreateResponse:
		if env.PathName == nil || env.Message == nil || env.Status == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return DirectoryCreateResponse{Command: env.Command, PathName: *env.PathName, Message: *env.Message, Status: *env.Status}, nil

	case CommandDirectoryDeleteRequest:
		if env.PathName == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return DirectoryDeleteRequest{Command: env.Command, PathName: *env.PathName}, nil

	case CommandDirectoryDeleteResponse:
		if env.PathName == nil || env.Message == nil || env.Status == nil {
			return nil, &ErrInvalid{Command: env.Command}
		}
		return DirectoryDeleteResponse{Command: env.Command, PathName: *env.PathName, Message: *env.Message, Status: *env.Status}, nil

	default:
		return nil, &ErrInvalid{Command: env.Command}
	}
}

// Encode serializes a typed message back into a single wire line, without
// the trailing newline (callers append it when writing).
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
