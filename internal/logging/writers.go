package logging

import (
	"bufio"
	"fmt"
	"io"
	stdlog "log"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// 2024/01/02 15:04:05 [WARN] serf: message
	stdLogLine = regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} \[(\w+)\]\s+(.+)$`)

	// 2025-08-10T01:01:14.224+0530 [WARN]  raft: message (hclog)
	hclogLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:[+-]\d{4}|Z)? \[(\w+)\]\s+(.+)$`)

	peerAddr = regexp.MustCompile(`\d+\.\d+\.\d+\.\d+:\d+`)
)

// noisyFragments are repeated by raft every heartbeat while a peer is down.
// They are folded into one line per flush interval and downgraded to WARN.
var noisyFragments = []string{
	"failed to heartbeat to",
	"failed to appendEntries to",
	"failed to contact",
	"connection refused",
	"dial tcp",
}

// LibraryWriter is an io.Writer handed to hashicorp libraries (raft, serf,
// memberlist). Each line is parsed for its level, stripped of the library
// prefix and re-logged as "(component) message".
type LibraryWriter struct {
	component string
	reader    *io.PipeReader
	writer    *io.PipeWriter

	mu      sync.Mutex
	pending map[string]*repeated
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
}

type repeated struct {
	level   string
	message string
	count   int
}

// NewLibraryWriter starts the parsing goroutines for component ("raft",
// "serf"). Close stops them and flushes folded lines.
func NewLibraryWriter(component string) *LibraryWriter {
	r, w := io.Pipe()
	lw := &LibraryWriter{
		component: component,
		reader:    r,
		writer:    w,
		pending:   make(map[string]*repeated),
		ticker:    time.NewTicker(3 * time.Second),
		done:      make(chan struct{}),
	}

	go lw.readLines()
	go lw.flushLoop()
	return lw
}

// Write implements io.Writer.
func (lw *LibraryWriter) Write(p []byte) (int, error) {
	return lw.writer.Write(p)
}

// Close stops the writer. Safe to call more than once.
func (lw *LibraryWriter) Close() error {
	var err error
	lw.once.Do(func() {
		close(lw.done)
		lw.ticker.Stop()

		lw.mu.Lock()
		lw.flushLocked()
		lw.mu.Unlock()

		err = lw.writer.Close()
	})
	return err
}

func (lw *LibraryWriter) flushLoop() {
	for {
		select {
		case <-lw.done:
			return
		case <-lw.ticker.C:
			lw.mu.Lock()
			lw.flushLocked()
			lw.mu.Unlock()
		}
	}
}

func (lw *LibraryWriter) flushLocked() {
	for key, entry := range lw.pending {
		msg := entry.message
		if entry.count > 1 {
			msg = fmt.Sprintf("%s (x%d)", entry.message, entry.count)
		}
		lw.emit(entry.level, msg)
		delete(lw.pending, key)
	}
}

func (lw *LibraryWriter) readLines() {
	scanner := bufio.NewScanner(lw.reader)
	prefix := lw.component + ": "

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		level, message := splitLevel(line)
		if strings.HasPrefix(strings.ToLower(message), prefix) {
			message = strings.TrimSpace(message[len(prefix):])
		}

		if !isNoisy(message) {
			lw.emit(level, message)
			continue
		}

		key := foldKey(level, message)
		lw.mu.Lock()
		if entry, ok := lw.pending[key]; ok {
			entry.count++
		} else {
			lw.pending[key] = &repeated{level: "WARN", message: message, count: 1}
		}
		lw.mu.Unlock()
	}
}

// splitLevel extracts the bracketed level from either log format. Lines
// without a recognizable prefix are treated as INFO.
func splitLevel(line string) (string, string) {
	if m := stdLogLine.FindStringSubmatch(line); len(m) == 3 {
		return strings.ToUpper(m[1]), m[2]
	}
	if m := hclogLine.FindStringSubmatch(line); len(m) == 3 {
		return strings.ToUpper(m[1]), m[2]
	}
	return "INFO", line
}

func isNoisy(message string) bool {
	for _, fragment := range noisyFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

// foldKey groups noisy lines by peer address when one is present, otherwise
// by a message prefix.
func foldKey(level, message string) string {
	if addr := peerAddr.FindString(message); addr != "" {
		return level + ":" + addr
	}
	if len(message) > 50 {
		message = message[:50]
	}
	return level + ":" + message
}

func (lw *LibraryWriter) emit(level, message string) {
	switch level {
	case "DEBUG", "TRACE":
		Debug("(%s) %s", lw.component, message)
	case "WARN", "WARNING":
		Warn("(%s) %s", lw.component, message)
	case "ERR", "ERROR":
		Error("(%s) %s", lw.component, message)
	default:
		Info("(%s) %s", lw.component, message)
	}
}

// LevelWriter logs every written line at a fixed level with an optional
// prefix. Used for libraries that do not tag their own levels (gin debug
// output, grpc).
type LevelWriter struct {
	level  string
	prefix string
}

// NewLevelWriter returns a LevelWriter for DEBUG, INFO, WARN or ERROR.
func NewLevelWriter(level, prefix string) io.Writer {
	return &LevelWriter{level: strings.ToUpper(level), prefix: prefix}
}

// Write implements io.Writer.
func (w *LevelWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if w.prefix != "" {
			line = w.prefix + ": " + line
		}
		switch w.level {
		case "DEBUG":
			Debug("%s", line)
		case "WARN":
			Warn("%s", line)
		case "ERROR":
			Error("%s", line)
		default:
			Info("%s", line)
		}
	}
	return len(p), nil
}

// RedirectStandardLog points the standard library logger at w. nil discards.
func RedirectStandardLog(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	stdlog.SetOutput(w)
}
