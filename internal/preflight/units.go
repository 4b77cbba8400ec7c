package preflight

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// UnitStatus reports whether a unit process currently holds its lock.
type UnitStatus struct {
	Name    string
	Running bool
	PID     int
	LogPath string
}

// ProbeUnits inspects the lock and pid files each unit keeps in logDir.
func ProbeUnits(logDir string, units ...string) []UnitStatus {
	out := make([]UnitStatus, 0, len(units))
	for _, unit := range units {
		st := UnitStatus{Name: unit}
		if target, err := filepath.EvalSymlinks(filepath.Join(logDir, unit+".log")); err == nil {
			st.LogPath = target
		}
		lock := flock.New(filepath.Join(logDir, unit+".lock"))
		ok, err := lock.TryLock()
		switch {
		case err != nil:
		case ok:
			_ = lock.Unlock()
		default:
			st.Running = true
			st.PID = readPID(filepath.Join(logDir, unit+".pid"))
		}
		out = append(out, st)
	}
	return out
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
