package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apex/log"
)

// colors for the level tags.
var levelColors = map[log.Level]int{
	log.DebugLevel: 90,
	log.InfoLevel:  34,
	log.WarnLevel:  33,
	log.ErrorLevel: 31,
	log.FatalLevel: 31,
}

// logHandler writes one line per entry, prefixed with the time since
// startup and the colored level.
type logHandler struct {
	io.Writer

	// NoColor disables the escape sequences.
	NoColor bool

	mu sync.Mutex
}

var _ log.Handler = &logHandler{}

// HandleLog implements log.Handler.
func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	level := e.Level.String()
	if e.Level == log.ErrorLevel {
		level = "!err"
	}
	if !h.NoColor {
		level = fmt.Sprintf("\033[%dm%s\033[0m", levelColors[e.Level], level)
	}
	s := fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), level, e.Message)
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write([]byte(s))
	return
}
