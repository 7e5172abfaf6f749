package events

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleSink prints colored status lines for interactive runs.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	info  *color.Color
	warn  *color.Color
	fail  *color.Color
	muted *color.Color
}

// NewConsoleSink creates a ConsoleSink writing to out.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{
		out:   out,
		now:   time.Now,
		info:  color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
		muted: color.New(color.Faint),
	}
}

func (c *ConsoleSink) line(tag *color.Color, label, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, "%s %s %s\n",
		c.muted.Sprint(c.now().Format("15:04:05")),
		tag.Sprintf("%-5s", label),
		msg)
}

// Status implements Sink.
func (c *ConsoleSink) Status(msg string) {
	c.line(c.info, "INFO", msg)
}

// StatusErr implements Sink.
func (c *ConsoleSink) StatusErr(msg string, err error) {
	c.line(c.warn, "WARN", fmt.Sprintf("%s: %v", msg, err))
}

// Error implements Sink.
func (c *ConsoleSink) Error(err error) {
	c.line(c.fail, "ERROR", err.Error())
}

// OnDisconnect implements Sink.
func (c *ConsoleSink) OnDisconnect() {
	c.line(c.warn, "WARN", "Disconnected")
}

// OnReconnect implements Sink.
func (c *ConsoleSink) OnReconnect() {
	c.line(c.info, "INFO", "Reconnecting")
}
