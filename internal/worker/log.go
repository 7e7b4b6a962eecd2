package worker

import "github.com/ShayCichocki/hive/internal/logging"

var debugLog = logging.Debugf
