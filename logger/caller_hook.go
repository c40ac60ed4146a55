package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Frames from these packages are never reported as the caller.
var wrapperPackages = []string{"github.com/sirupsen/logrus", "cryptostream/logger."}

// callerHook points entry.Caller at the first frame outside logrus and the
// logger package, so Entry wrappers do not show up as the call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	var pcs [24]uintptr
	n := runtime.Callers(5, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapper(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapper(fn string) bool {
	for _, p := range wrapperPackages {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}
