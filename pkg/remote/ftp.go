package remote

import (
	"context"
	"crypto/tls"
	goErrors "errors"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"syscall"

	"github.com/jlaffaye/ftp"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

type ftpClient struct {
	conn   *ftp.ServerConn
	closed bool
}

func dialFTP(ctx context.Context, opts Options) (Client, error) {
	addr := net.JoinHostPort(opts.Server, strconv.Itoa(opts.Port))
	dialOpts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if opts.Timeout > 0 {
		dialOpts = append(dialOpts, ftp.DialWithTimeout(opts.Timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         opts.Server,
		InsecureSkipVerify: opts.InsecureSkipVerify, // nolint: gosec
	}
	switch opts.Protocol {
	case ProtocolFTPS:
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(tlsConfig))
	case ProtocolFTPSLegacy:
		dialOpts = append(dialOpts, ftp.DialWithTLS(tlsConfig))
	}

	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	if err := conn.Login(opts.Username, opts.Password); err != nil {
		if quitErr := conn.Quit(); quitErr != nil {
			log.WithError(quitErr).Debug("Failed to close connection after failed login")
		}
		return nil, errors.WithContext(err, "login")
	}
	return &ftpClient{conn: conn}, nil
}

func (c *ftpClient) ChangeDir(p string) error {
	if p == ".." {
		return c.check(c.conn.ChangeDirToParent())
	}
	return c.check(c.conn.ChangeDir(p))
}

// EnsureDir moves into `p` one folder at a time, creating the folders that
// don't exist. If it fails partway, it moves back to where it started.
func (c *ftpClient) EnsureDir(p string) error {
	start, err := c.conn.CurrentDir()
	if err != nil {
		return c.check(err)
	}

	if err := c.ensureDir(p); err != nil {
		if restoreErr := c.check(c.conn.ChangeDir(start)); restoreErr != nil {
			log.WithError(restoreErr).WithField("path", start).
				Debug("Failed to restore working directory")
		}
		return err
	}
	return nil
}

func (c *ftpClient) ensureDir(p string) error {
	if strings.HasPrefix(p, "/") {
		if err := c.ChangeDir("/"); err != nil {
			return err
		}
	}

	for _, folder := range strings.Split(path.Clean(p), "/") {
		if folder == "" || folder == "." {
			continue
		}

		// The folder may have been created concurrently by another session,
		// so a failed MKD isn't an error as long as the CWD succeeds.
		if err := c.conn.ChangeDir(folder); err == nil {
			continue
		}
		if err := c.check(c.conn.MakeDir(folder)); IsNotConnected(err) {
			return err
		}
		if err := c.ChangeDir(folder); err != nil {
			return errors.WithContext(err, "create folder "+folder)
		}
	}
	return nil
}

func (c *ftpClient) Store(p string, r io.Reader) error {
	return c.check(c.conn.Stor(p, r))
}

func (c *ftpClient) Retrieve(p string, w io.Writer) error {
	resp, err := c.conn.Retr(p)
	if err != nil {
		return c.check(err)
	}
	defer resp.Close()

	_, err = io.Copy(w, resp)
	return c.check(err)
}

func (c *ftpClient) Remove(p string) error {
	return c.check(c.conn.Delete(p))
}

func (c *ftpClient) RemoveDir(p string) error {
	return c.check(c.conn.RemoveDirRecur(p))
}

func (c *ftpClient) ClearWorkingDir() error {
	entries, err := c.conn.List("")
	if err != nil {
		return c.check(err)
	}

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		if entry.Type == ftp.EntryTypeFolder {
			err = c.conn.RemoveDirRecur(entry.Name)
		} else {
			err = c.conn.Delete(entry.Name)
		}
		if err != nil {
			return errors.WithContext(c.check(err), "remove "+entry.Name)
		}
	}
	return nil
}

func (c *ftpClient) Closed() bool {
	return c.closed
}

func (c *ftpClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Quit()
}

// check classifies `err`, and marks the session as closed if the server
// dropped the connection.
func (c *ftpClient) check(err error) error {
	err = classifyFTPError(err)
	if IsNotConnected(err) {
		c.closed = true
	}
	return err
}

func classifyFTPError(err error) error {
	if err == nil {
		return nil
	}

	var protoErr *textproto.Error
	if goErrors.As(err, &protoErr) {
		switch protoErr.Code {
		case ftp.StatusFileUnavailable:
			return notFound(err)
		case ftp.StatusNotAvailable:
			return notConnected(err)
		}
		return err
	}

	if isConnectionError(err) {
		return notConnected(err)
	}
	return err
}

// isConnectionError returns whether `err` came from the underlying connection
// rather than from the server.
func isConnectionError(err error) bool {
	if goErrors.Is(err, io.EOF) || goErrors.Is(err, io.ErrUnexpectedEOF) ||
		goErrors.Is(err, net.ErrClosed) || goErrors.Is(err, syscall.EPIPE) ||
		goErrors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	return goErrors.As(err, &netErr)
}
