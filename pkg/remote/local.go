package remote

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// localClient deploys into a directory on a local filesystem. Absolute paths
// are resolved relative to the root directory, the same way a chrooted FTP
// server would resolve them.
type localClient struct {
	fs     afero.Fs
	root   string
	cwd    string
	closed bool
}

func dialLocal(_ context.Context, opts Options) (Client, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	root := filepath.Clean(opts.Server)
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.New("%q is not a directory", root)
	}

	return &localClient{fs: fs, root: root, cwd: "/"}, nil
}

// resolve returns the path relative to the root, and the path on the
// underlying filesystem.
func (c *localClient) resolve(p string) (string, string) {
	virtual := p
	if !path.IsAbs(p) {
		virtual = path.Join(c.cwd, p)
	}

	// Cleaning a rooted path never leaves the root, so ".." at the root is a
	// no-op.
	virtual = path.Clean("/" + virtual)
	return virtual, filepath.Join(c.root, filepath.FromSlash(virtual))
}

func (c *localClient) ChangeDir(p string) error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	virtual, target := c.resolve(p)
	fi, err := c.fs.Stat(target)
	if err != nil {
		return classifyLocalError(err)
	}
	if !fi.IsDir() {
		return errors.New("%q is not a folder", virtual)
	}
	c.cwd = virtual
	return nil
}

func (c *localClient) EnsureDir(p string) error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	virtual, target := c.resolve(p)
	if err := c.fs.MkdirAll(target, 0755); err != nil {
		return classifyLocalError(err)
	}
	c.cwd = virtual
	return nil
}

func (c *localClient) Store(p string, r io.Reader) error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	// Missing parent folders are an error, like they are over FTP.
	_, target := c.resolve(p)
	if _, err := c.fs.Stat(filepath.Dir(target)); err != nil {
		return classifyLocalError(err)
	}

	f, err := c.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return classifyLocalError(err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *localClient) Retrieve(p string, w io.Writer) error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	_, target := c.resolve(p)
	f, err := c.fs.Open(target)
	if err != nil {
		return classifyLocalError(err)
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

func (c *localClient) Remove(p string) error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	virtual, target := c.resolve(p)
	fi, err := c.fs.Stat(target)
	if err != nil {
		return classifyLocalError(err)
	}
	if fi.IsDir() {
		return errors.New("%q is a folder", virtual)
	}
	return classifyLocalError(c.fs.Remove(target))
}

func (c *localClient) RemoveDir(p string) error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	virtual, target := c.resolve(p)
	if virtual == "/" {
		return errors.New("refusing to remove the root folder")
	}
	if _, err := c.fs.Stat(target); err != nil {
		return classifyLocalError(err)
	}
	return classifyLocalError(c.fs.RemoveAll(target))
}

func (c *localClient) ClearWorkingDir() error {
	if c.closed {
		return notConnected(os.ErrClosed)
	}

	_, target := c.resolve(".")
	entries, err := afero.ReadDir(c.fs, target)
	if err != nil {
		return classifyLocalError(err)
	}

	for _, entry := range entries {
		if err := c.fs.RemoveAll(filepath.Join(target, entry.Name())); err != nil {
			return errors.WithContext(err, "remove "+entry.Name())
		}
	}
	return nil
}

func (c *localClient) Closed() bool {
	return c.closed
}

func (c *localClient) Close() error {
	c.closed = true
	return nil
}

func classifyLocalError(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) || os.IsPermission(err) ||
		strings.Contains(err.Error(), "file does not exist") {
		return notFound(err)
	}
	return err
}
