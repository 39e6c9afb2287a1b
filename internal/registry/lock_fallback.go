//go:build !unix

package registry

import "os"

// tryAcquire falls back to exclusive lock-file creation where flock(2) is
// unavailable. The lock file is removed on release.
func (l *FileLock) tryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path+".held", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	l.file = f
	return true, nil
}

func (l *FileLock) release() {
	_ = l.file.Close()
	_ = os.Remove(l.path + ".held")
}
