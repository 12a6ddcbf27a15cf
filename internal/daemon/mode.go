package daemon

import (
	"errors"
	"io/fs"

	"reel/internal/fileutil"
	"reel/internal/rotation"
)

// readMode returns the persisted active mode. A missing or unreadable file
// reports ok=false so callers fall back to video.
func readMode(path string) (rotation.Mode, bool, error) {
	value, err := fileutil.ReadTrimmed(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	mode, err := rotation.ParseMode(value)
	if err != nil {
		return "", false, err
	}
	return mode, true, nil
}

func writeMode(path string, mode rotation.Mode) error {
	return fileutil.WriteAtomic(path, []byte(string(mode)+"\n"), 0o644)
}
