package keyValStore

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/dustin/go-humanize"
)

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}

	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0] // Currently only the first path is utilized
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}

	// Available blocks * size per block gives available space in bytes
	available := stat.Bavail * uint64(stat.Bsize) //#nosec G115
	sc.Logger.Infof("free space on %s: %s", path, humanize.Bytes(available))

	availableSpaceInGB := available / (1024 * 1024 * 1024)
	if int(availableSpaceInGB) < sc.MinimumFreeSpace { //#nosec G115
		return fmt.Errorf(
			"not enough space available on disk: %s free, %d GB required",
			humanize.Bytes(available), sc.MinimumFreeSpace,
		)
	}

	return nil
}
