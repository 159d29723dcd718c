// Package notify turns merge outcomes and pushed URLs into user facing
// notifications.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"unicode"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/model"
)

// summaryThreshold is the largest change list still itemized in a message.
const summaryThreshold = 3

// Sink delivers a notification. Implementations must not block.
type Sink interface {
	Notify(msg string)
}

// LogSink writes notifications to a zap logger.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Notify(msg string) {
	if s.Log != nil {
		s.Log.Info("notification", zap.String("msg", msg))
	}
}

// TerminalSink prints notifications with pterm. Used by syncd in dev mode.
type TerminalSink struct {
	mu sync.Mutex
}

func (s *TerminalSink) Notify(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pterm.Info.Println(msg)
}

// Multi fans a notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(msg string) {
	for _, s := range m {
		s.Notify(msg)
	}
}

// ShortPeer returns the first eight characters of a peer identity.
func ShortPeer(peer string) string {
	if len(peer) > 8 {
		return peer[:8]
	}
	return peer
}

// Render formats a merge result. Each non-empty change list yields one message:
// a count when it has more than three names, the names otherwise.
func Render(peer string, res model.MergeResult) []string {
	from := ShortPeer(peer)
	title := domainTitle(res.Domain)

	var out []string
	if n := len(res.Added); n > summaryThreshold {
		out = append(out, fmt.Sprintf("%d %s from %s", n, title, from))
	} else if n > 0 {
		out = append(out, fmt.Sprintf("%s from %s:\n%s", title, from, strings.Join(res.Added, "\n")))
	}
	if n := len(res.Updated); n > summaryThreshold {
		out = append(out, fmt.Sprintf("Updated %d %s from %s", n, title, from))
	} else if n > 0 {
		out = append(out, fmt.Sprintf("%s updated from %s:\n%s", title, from, strings.Join(res.Updated, "\n")))
	}
	if n := len(res.Removed); n > summaryThreshold {
		out = append(out, fmt.Sprintf("Removed %d %s from %s", n, title, from))
	} else if n > 0 {
		out = append(out, fmt.Sprintf("%s removed from %s:\n%s", title, from, strings.Join(res.Removed, "\n")))
	}
	return out
}

func domainTitle(d model.Domain) string {
	s := string(d)
	if s == "" {
		return "Changes"
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Reporter renders merge results into a Sink.
type Reporter struct {
	Sink Sink
}

func (r Reporter) Report(peer string, res model.MergeResult) {
	if r.Sink == nil {
		return
	}
	for _, msg := range Render(peer, res) {
		r.Sink.Notify(msg)
	}
}

// Opener handles URLs pushed by a peer: it notifies and, when a command is
// configured, runs it with the URL appended.
type Opener struct {
	command []string
	sink    Sink
	log     *zap.Logger
	run     func(ctx context.Context, name string, args ...string) error
}

// NewOpener builds an Opener. command is split on whitespace; empty disables
// launching.
func NewOpener(command string, sink Sink, log *zap.Logger) *Opener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Opener{
		command: strings.Fields(command),
		sink:    sink,
		log:     log.Named("opener"),
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

func (o *Opener) HandleURL(ctx context.Context, peer, url string, position int64) error {
	if o.sink != nil {
		o.sink.Notify(fmt.Sprintf("Received url from device [%s]:\n%s", peer, url))
	}
	if len(o.command) == 0 {
		return nil
	}
	args := append(append([]string(nil), o.command[1:]...), url)
	if err := o.run(ctx, o.command[0], args...); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	o.log.Info("url opened", zap.String("peer", peer), zap.String("url", url), zap.Int64("position", position))
	return nil
}
