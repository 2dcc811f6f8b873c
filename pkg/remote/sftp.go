package remote

import (
	"context"
	goErrors "errors"
	"io"
	"net"
	"os"
	"path"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// defaultKnownHosts is used to verify the server's host key when
// Options.KnownHosts isn't set.
const defaultKnownHosts = "~/.ssh/known_hosts"

// sftpClient emulates a working directory on top of SFTP, which only deals in
// absolute paths. Absolute paths are resolved relative to the login
// directory, the same way a chrooted FTP server would resolve them.
type sftpClient struct {
	ssh    *ssh.Client
	sftp   *sftp.Client
	root   string
	cwd    string
	closed bool
}

// Mocked out for unit testing.
var expandHome = homedir.Expand

func dialSFTP(ctx context.Context, opts Options) (Client, error) {
	hostKeyCallback, err := getHostKeyCallback(opts)
	if err != nil {
		return nil, errors.WithContext(err, "load host keys")
	}

	addr := net.JoinHostPort(opts.Server, strconv.Itoa(opts.Port))
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(opts.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	})
	if err != nil {
		conn.Close()
		return nil, errors.WithContext(err, "ssh handshake")
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpConn, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, errors.WithContext(err, "start sftp subsystem")
	}

	c := &sftpClient{ssh: sshClient, sftp: sftpConn}
	c.root, err = sftpConn.Getwd()
	if err != nil {
		c.Close()
		return nil, errors.WithContext(err, "get working directory")
	}
	c.cwd = c.root
	return c, nil
}

func getHostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil // nolint: gosec
	}

	knownHostsPath := opts.KnownHosts
	if knownHostsPath == "" {
		knownHostsPath = defaultKnownHosts
	}

	knownHostsPath, err := expandHome(knownHostsPath)
	if err != nil {
		return nil, errors.WithContext(err, "expand known hosts path")
	}
	return knownhosts.New(knownHostsPath)
}

func (c *sftpClient) resolve(p string) string {
	if path.IsAbs(p) {
		// Cleaning a rooted path never leaves the root.
		return path.Join(c.root, path.Clean(p))
	}
	return path.Join(c.cwd, p)
}

func (c *sftpClient) ChangeDir(p string) error {
	target := c.resolve(p)
	fi, err := c.sftp.Stat(target)
	if err != nil {
		return c.check(err)
	}
	if !fi.IsDir() {
		return errors.New("%q is not a folder", target)
	}
	c.cwd = target
	return nil
}

func (c *sftpClient) EnsureDir(p string) error {
	target := c.resolve(p)
	if err := c.sftp.MkdirAll(target); err != nil {
		return c.check(err)
	}
	c.cwd = target
	return nil
}

func (c *sftpClient) Store(p string, r io.Reader) error {
	f, err := c.sftp.Create(c.resolve(p))
	if err != nil {
		return c.check(err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return c.check(err)
	}
	return c.check(f.Close())
}

func (c *sftpClient) Retrieve(p string, w io.Writer) error {
	f, err := c.sftp.Open(c.resolve(p))
	if err != nil {
		return c.check(err)
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return c.check(err)
}

func (c *sftpClient) Remove(p string) error {
	return c.check(c.sftp.Remove(c.resolve(p)))
}

func (c *sftpClient) RemoveDir(p string) error {
	return c.check(c.removeAll(c.resolve(p)))
}

func (c *sftpClient) ClearWorkingDir() error {
	entries, err := c.sftp.ReadDir(c.cwd)
	if err != nil {
		return c.check(err)
	}

	for _, entry := range entries {
		if err := c.removeEntry(path.Join(c.cwd, entry.Name()), entry); err != nil {
			return errors.WithContext(c.check(err), "remove "+entry.Name())
		}
	}
	return nil
}

func (c *sftpClient) removeAll(target string) error {
	fi, err := c.sftp.Lstat(target)
	if err != nil {
		return err
	}
	return c.removeEntry(target, fi)
}

func (c *sftpClient) removeEntry(target string, fi os.FileInfo) error {
	if !fi.IsDir() {
		return c.sftp.Remove(target)
	}

	children, err := c.sftp.ReadDir(target)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.removeEntry(path.Join(target, child.Name()), child); err != nil {
			return err
		}
	}
	return c.sftp.RemoveDirectory(target)
}

func (c *sftpClient) Closed() bool {
	return c.closed
}

func (c *sftpClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	sftpErr := c.sftp.Close()
	if err := c.ssh.Close(); err != nil {
		return err
	}
	return sftpErr
}

func (c *sftpClient) check(err error) error {
	err = classifySFTPError(err)
	if IsNotConnected(err) {
		c.closed = true
	}
	return err
}

func classifySFTPError(err error) error {
	if err == nil {
		return nil
	}

	if goErrors.Is(err, os.ErrNotExist) || goErrors.Is(err, os.ErrPermission) {
		return notFound(err)
	}

	if isConnectionError(err) {
		return notConnected(err)
	}
	return err
}
