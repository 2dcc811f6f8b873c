// Package remote implements the connection to the server that files are
// deployed to. A Client is a single stateful session: it has a working
// directory, and only one command may be in flight at a time, so a Client
// must never be shared between goroutines.
package remote

//go:generate mockery -name Client

import (
	"context"
	goErrors "errors"
	"io"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// Client is a session with the remote server. Relative paths are resolved
// against the session's working directory.
type Client interface {
	// ChangeDir changes the working directory. ".." moves to the parent.
	ChangeDir(path string) error

	// EnsureDir changes the working directory to `path`, creating each
	// missing folder along the way.
	EnsureDir(path string) error

	// Store writes the contents of `r` to `path`, overwriting any existing
	// file.
	Store(path string, r io.Reader) error

	// Retrieve copies the contents of the file at `path` into `w`.
	Retrieve(path string, w io.Writer) error

	// Remove deletes the file at `path`.
	Remove(path string) error

	// RemoveDir recursively deletes the folder at `path`.
	RemoveDir(path string) error

	// ClearWorkingDir deletes everything inside the working directory.
	ClearWorkingDir() error

	// Closed returns whether the session is known to be disconnected.
	Closed() bool

	Close() error
}

// Protocol is the wire protocol used to talk to the server.
type Protocol string

const (
	// ProtocolFTP is plain FTP.
	ProtocolFTP Protocol = "ftp"

	// ProtocolFTPS is FTP upgraded with AUTH TLS.
	ProtocolFTPS Protocol = "ftps"

	// ProtocolFTPSLegacy is FTP over implicit TLS.
	ProtocolFTPSLegacy Protocol = "ftps-legacy"

	// ProtocolSFTP is the SSH file transfer protocol.
	ProtocolSFTP Protocol = "sftp"

	// ProtocolLocal deploys into a directory on the local machine, such as a
	// mounted network share. Options.Server is the path of the directory.
	ProtocolLocal Protocol = "local"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{ProtocolFTP, ProtocolFTPS, ProtocolFTPSLegacy, ProtocolSFTP, ProtocolLocal}

// Options are the connection parameters for a session. They're kept by the
// session handle so that the session can be re-established.
type Options struct {
	Protocol Protocol
	Server   string
	Port     int
	Username string
	Password string
	Timeout  time.Duration

	// InsecureSkipVerify disables certificate verification for FTPS.
	InsecureSkipVerify bool

	// KnownHosts is the known_hosts file used to verify SFTP servers.
	KnownHosts string

	// InsecureIgnoreHostKey disables host key verification for SFTP.
	InsecureIgnoreHostKey bool

	// Fs is the filesystem used by ProtocolLocal. Defaults to the OS
	// filesystem.
	Fs afero.Fs
}

// Dialer opens a new session.
type Dialer func(ctx context.Context, opts Options) (Client, error)

// Dial opens a session using the implementation for `opts.Protocol`.
func Dial(ctx context.Context, opts Options) (Client, error) {
	switch opts.Protocol {
	case ProtocolFTP, ProtocolFTPS, ProtocolFTPSLegacy:
		return dialFTP(ctx, opts)
	case ProtocolSFTP:
		return dialSFTP(ctx, opts)
	case ProtocolLocal:
		return dialLocal(ctx, opts)
	default:
		return nil, errors.InvalidFieldError{
			Field:  "protocol",
			Value:  opts.Protocol,
			Reason: "unsupported protocol",
		}
	}
}

var (
	// ErrNotFound is returned when the target of an operation doesn't exist,
	// or the session isn't allowed to access it.
	ErrNotFound = goErrors.New("not found or no access")

	// ErrNotConnected is returned when the session was dropped.
	ErrNotConnected = goErrors.New("not connected")
)

// classifiedError tags a protocol error with one of the sentinel errors
// while preserving the original message and cause.
type classifiedError struct {
	kind  error
	cause error
}

func (err classifiedError) Error() string {
	return err.cause.Error()
}

func (err classifiedError) Is(target error) bool {
	return target == err.kind
}

func (err classifiedError) Unwrap() error {
	return err.cause
}

func notFound(err error) error {
	return classifiedError{kind: ErrNotFound, cause: err}
}

func notConnected(err error) error {
	return classifiedError{kind: ErrNotConnected, cause: err}
}

// IsNotFound returns whether `err` means that the target didn't exist.
func IsNotFound(err error) bool {
	return goErrors.Is(err, ErrNotFound)
}

// IsNotConnected returns whether `err` means that the session was dropped.
func IsNotConnected(err error) bool {
	return goErrors.Is(err, ErrNotConnected)
}
