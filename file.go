package duskv

import (
	"os"

	"golang.org/x/sys/unix"
)

// dbFile wraps the backing os.File: fsync/fdatasync, advisory whole-file
// locking, and size ensure/truncate. Grounded on the teacher's os.File
// usage (O_RDWR|O_CREATE, Sync, Truncate) plus a flock(2)-at-open idiom
// seen across the retrieved storage-engine examples.
type dbFile struct {
	f        *os.File
	readOnly bool
}

func openDBFile(path string, flags OpenFlags) (*dbFile, error) {
	osFlags := os.O_CREATE
	readOnly := flags&RDONLY != 0
	if readOnly {
		osFlags |= os.O_RDONLY
	} else {
		osFlags |= os.O_RDWR
	}
	if flags&TRUNC != 0 && !readOnly {
		osFlags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, osFlags, 0644)
	if err != nil {
		return nil, err
	}

	df := &dbFile{f: f, readOnly: readOnly}

	if flags&NOLOCKS == 0 {
		lockType := unix.LOCK_EX
		if readOnly {
			lockType = unix.LOCK_SH
		}
		if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, err
		}
	}

	return df, nil
}

func (df *dbFile) close() error {
	return df.f.Close()
}

func (df *dbFile) size() (int64, error) {
	fi, err := df.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ensureSize grows the file to at least sz bytes, leaving existing
// content untouched.
func (df *dbFile) ensureSize(sz int64) error {
	cur, err := df.size()
	if err != nil {
		return err
	}
	if cur >= sz {
		return nil
	}
	return df.f.Truncate(sz)
}

func (df *dbFile) truncate(sz int64) error {
	return df.f.Truncate(sz)
}

func (df *dbFile) sync() error {
	return df.f.Sync()
}

// fdatasync skips the metadata flush fsync(2) also performs when the
// platform exposes it; Go's os.File has no Fdatasync, so this falls back
// to unix.Fdatasync directly on the descriptor.
func (df *dbFile) fdatasync() error {
	return unix.Fdatasync(int(df.f.Fd()))
}

func (df *dbFile) unlock() error {
	return unix.Flock(int(df.f.Fd()), unix.LOCK_UN)
}
