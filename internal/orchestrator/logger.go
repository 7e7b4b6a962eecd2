package orchestrator

import "github.com/ShayCichocki/hive/internal/logging"

// debugLog writes to the process-wide debug log. The machine and the
// registry have no logger of their own.
func debugLog(format string, args ...interface{}) {
	logging.Debugf(format, args...)
}
