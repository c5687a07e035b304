// Package sftpvfs implements a virtual file system keeping sqlite files on a remote host over sftp.
// Locks are tracked by the bridge, so only connections of the same process are coordinated.
package sftpvfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"

	"github.com/umputun/sqlvfs/pkg/vfs"
)

// VFS keeps files under a root directory of an sftp server. Safe for concurrent use.
type VFS struct {
	client  *sftp.Client
	root    string
	closers []io.Closer

	mu     sync.Mutex
	logger *vfs.Logger
}

// New makes a VFS on top of an sftp client. Relative names are resolved against root.
// Close closes the client and extra closers, in order.
func New(client *sftp.Client, root string, closers ...io.Closer) *VFS {
	if root == "" {
		root = "/"
	}
	return &VFS{client: client, root: path.Clean(root), closers: append([]io.Closer{client}, closers...)}
}

// Attach keeps the host logger
func (v *VFS) Attach(lg *vfs.Logger, _ *vfs.Services) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logger = lg
}

// Close closes the sftp session and the underlying connection
func (v *VFS) Close() error {
	errs := new(multierror.Error)
	for _, c := range v.closers {
		if err := c.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// path returns the remote path of name
func (v *VFS) path(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(v.root, name)
}

// Open opens a remote file. Unnamed files get a random name under root and are removed on close.
func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	deleteOnClose := flags.DeleteOnClose()
	if name == "" {
		name = ".sqlvfs-" + uuid.NewString()
		deleteOnClose = true
	}
	p := v.path(name)

	var osFlags int
	switch flags.Mode() {
	case vfs.ModeReadOnly:
		osFlags = os.O_RDONLY
	case vfs.ModeReadWrite:
		osFlags = os.O_RDWR
	case vfs.ModeCreate:
		osFlags = os.O_RDWR | os.O_CREATE
	case vfs.ModeMustCreate:
		osFlags = os.O_RDWR | os.O_CREATE | os.O_EXCL
	}

	f, err := v.client.OpenFile(p, osFlags)
	if err != nil {
		return nil, 0, vfs.Wrap(vfs.KindCantOpen, "open", fmt.Errorf("can't open %s: %w", p, err))
	}
	log.Printf("[DEBUG] sftp open %s, %s", p, flags)
	return &File{vfs: v, path: p, file: f, deleteOnClose: deleteOnClose}, flags, nil
}

// Delete removes a remote file
func (v *VFS) Delete(name string, _ bool) error {
	p := v.path(name)
	if err := v.client.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return vfs.Wrap(vfs.KindNotFound, "delete", fmt.Errorf("%s: %w", p, err))
		}
		return fmt.Errorf("can't remove %s: %w", p, err)
	}
	log.Printf("[DEBUG] sftp removed %s", p)
	return nil
}

// Access reports whether a remote file exists. Permissions are not checked, the server enforces them on open.
func (v *VFS) Access(name string, _ vfs.AccessFlag) (bool, error) {
	_, err := v.client.Stat(v.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("can't stat %s: %w", name, err)
}

// FullPathname resolves name against root
func (v *VFS) FullPathname(name string) (string, error) {
	return v.path(name), nil
}

// Pragma answers "pragma sftp_root" with the remote root directory
func (v *VFS) Pragma(p vfs.Pragma) vfs.PragmaOutcome {
	if p.Name != "sftp_root" {
		return vfs.PragmaUnhandled()
	}
	return vfs.PragmaValue(v.root)
}

func (v *VFS) warn(format string, args ...any) {
	v.mu.Lock()
	lg := v.logger
	v.mu.Unlock()
	if lg != nil {
		lg.Logf(vfs.LogWarn, format, args...)
	}
}

// File is an open remote file
type File struct {
	vfs           *VFS
	path          string
	file          *sftp.File
	deleteOnClose bool
	noSync        bool // server has no fsync extension
}

// ReadAt reads from the remote file
func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.file.ReadAt(p, off) }

// WriteAt writes to the remote file
func (f *File) WriteAt(p []byte, off int64) (int, error) { return f.file.WriteAt(p, off) }

// Truncate sets the size of the remote file
func (f *File) Truncate(size int64) error { return f.file.Truncate(size) }

// Sync flushes the remote file. Servers without fsync support make it a no-op.
func (f *File) Sync(vfs.SyncFlag) error {
	if f.noSync {
		return nil
	}
	err := f.file.Sync()
	var se *sftp.StatusError
	if errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported {
		f.noSync = true
		f.vfs.warn("sftp server doesn't support fsync, %s is not synced", f.path)
		return nil
	}
	return err
}

// Size returns the size of the remote file
func (f *File) Size() (int64, error) {
	fi, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("can't stat %s: %w", f.path, err)
	}
	return fi.Size(), nil
}

// Close closes the remote file and removes it if opened with delete-on-close
func (f *File) Close() error {
	errs := new(multierror.Error)
	if err := f.file.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close %s: %w", f.path, err))
	}
	if f.deleteOnClose {
		if err := f.vfs.client.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, fmt.Errorf("can't remove %s: %w", f.path, err))
		}
	}
	return errs.ErrorOrNil()
}

// Pragma answers "pragma sftp_path" with the remote path of the file
func (f *File) Pragma(p vfs.Pragma) vfs.PragmaOutcome {
	if p.Name != "sftp_path" {
		return vfs.PragmaUnhandled()
	}
	return vfs.PragmaValue(f.path)
}
