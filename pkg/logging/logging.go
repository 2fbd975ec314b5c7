// Package logging renders the engine's log records as single aligned
// lines. Every component logs with a small fixed vocabulary of
// identity fields — conn, peer, request, host, attempt — and the
// handler knows that vocabulary: identity fields are pulled to the
// front of each line in a stable order so related lines from one
// connection or request line up when tailing a busy client, and the
// error field always renders last.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// identityOrder is the engine's field vocabulary, in render order.
// Fields outside it keep their insertion order after these; "err" is
// forced last.
var identityOrder = [...]string{"conn", "peer", "request", "host", "attempt"}

const errKey = "err"

// Options controls Handler's rendering.
type Options struct {
	Level            slog.Leveler
	UseColor         bool
	ShowSource       bool
	TimeFormat       string
	LevelWidth       int
	DisableTimestamp bool
	FieldSeparator   string
	MaxFieldLength   int
}

// DefaultOptions returns the options Client uses when Settings.Debug
// is off.
func DefaultOptions() Options {
	return Options{
		Level:          slog.LevelInfo,
		UseColor:       true,
		TimeFormat:     time.RFC3339,
		LevelWidth:     7,
		FieldSeparator: " | ",
		MaxFieldLength: 512,
	}
}

// field is one pre-rendered key=value pair. Attrs attached with
// WithAttrs are rendered once, up front, not on every record.
type field struct {
	key string
	val string
}

// Handler is a slog.Handler that writes one line per record:
// timestamp, level, optional source, message, identity fields in
// vocabulary order, remaining fields, error last.
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	fields []field
	group  string

	paintDim   func(...any) string
	paintMsg   func(...any) string
	paintKey   func(...any) string
	paintErr   func(...any) string
	paintLevel map[slog.Level]func(...any) string
}

// NewHandler wraps w. A nil opts uses DefaultOptions.
func NewHandler(w io.Writer, opts *Options) *Handler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.RFC3339
	}
	if o.FieldSeparator == "" {
		o.FieldSeparator = " | "
	}
	if o.LevelWidth <= 0 {
		o.LevelWidth = 7
	}

	h := &Handler{
		opts:   o,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initPaint()
	return h
}

func (h *Handler) initPaint() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.paintDim = plain
		h.paintMsg = plain
		h.paintKey = plain
		h.paintErr = plain
		h.paintLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.paintDim = color.New(color.FgHiBlack).SprintFunc()
	h.paintMsg = color.New(color.FgCyan).SprintFunc()
	h.paintKey = color.New(color.FgHiBlack).SprintFunc()
	h.paintErr = color.New(color.FgRed).SprintFunc()
	h.paintLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]field, 0, len(h.fields)+r.NumAttrs())
	fields = append(fields, h.fields...)
	r.Attrs(func(a slog.Attr) bool {
		fields = h.appendAttr(fields, h.group, a)
		return true
	})

	var b strings.Builder

	if !h.opts.DisableTimestamp {
		b.WriteString(h.paintDim(r.Time.Format(h.opts.TimeFormat)))
		b.WriteString(h.opts.FieldSeparator)
	}

	level := fmt.Sprintf("%-*s", h.opts.LevelWidth, strings.ToUpper(r.Level.String()))
	if paint, ok := h.paintLevel[r.Level]; ok {
		level = paint(level)
	}
	b.WriteString(level)
	b.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource {
		if src := sourceOf(r.PC); src != "" {
			b.WriteString(h.paintDim(src))
			b.WriteString(h.opts.FieldSeparator)
		}
	}

	b.WriteString(h.paintMsg(r.Message))

	h.writeFields(&b, fields)
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

// writeFields renders identity fields first in vocabulary order, then
// everything else in insertion order, with err last.
func (h *Handler) writeFields(b *strings.Builder, fields []field) {
	if len(fields) == 0 {
		return
	}
	b.WriteString(h.opts.FieldSeparator)

	used := make([]bool, len(fields))
	first := true

	emit := func(f field, errStyle bool) {
		if !first {
			b.WriteByte(' ')
		}
		first = false
		if errStyle {
			b.WriteString(h.paintErr(f.key + "=" + f.val))
			return
		}
		b.WriteString(h.paintKey(f.key + "="))
		b.WriteString(f.val)
	}

	for _, key := range identityOrder {
		for i, f := range fields {
			if !used[i] && f.key == key {
				used[i] = true
				emit(f, false)
			}
		}
	}
	for i, f := range fields {
		if !used[i] && f.key != errKey {
			used[i] = true
			emit(f, false)
		}
	}
	for i, f := range fields {
		if !used[i] {
			emit(f, true)
		}
	}
}

// appendAttr renders a into fields, flattening groups into dotted
// keys.
func (h *Handler) appendAttr(fields []field, group string, a slog.Attr) []field {
	v := a.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		sub := group
		if a.Key != "" {
			sub = joinKey(group, a.Key)
		}
		for _, ga := range v.Group() {
			fields = h.appendAttr(fields, sub, ga)
		}
		return fields
	}
	if a.Key == "" {
		return fields
	}

	return append(fields, field{key: joinKey(group, a.Key), val: h.renderValue(v)})
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func (h *Handler) renderValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindTime:
		s = v.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		s = v.Duration().String()
	default:
		s = fmt.Sprint(v.Any())
	}

	if limit := h.opts.MaxFieldLength; limit > 0 && len(s) > limit {
		s = s[:limit] + "..."
	}
	if strings.ContainsAny(s, " =\"") {
		s = strconv.Quote(s)
	}
	return s
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := h.clone()
	for _, a := range attrs {
		next.fields = next.appendAttr(next.fields, next.group, a)
	}
	return next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.group = joinKey(h.group, name)
	return next
}

func (h *Handler) clone() *Handler {
	next := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		fields: append([]field(nil), h.fields...),
		group:  h.group,
	}
	next.initPaint()
	return next
}

func sourceOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

// Conn returns a slog.Attr identifying a connection by its short label.
func Conn(label string) slog.Attr { return slog.String("conn", label) }

// Peer returns a slog.Attr identifying a peer by address.
func Peer(addr fmt.Stringer) slog.Attr { return slog.String("peer", addr.String()) }

// Request returns a slog.Attr identifying a request by its label.
func Request(label string) slog.Attr { return slog.String("request", label) }

// Host returns a slog.Attr identifying an origin by name.
func Host(name string) slog.Attr { return slog.String("host", name) }

// Attempt returns a slog.Attr recording a 1-based retry attempt count.
func Attempt(n int) slog.Attr { return slog.Int("attempt", n) }

// Err returns a slog.Attr for a failure cause; the handler renders it
// last on the line, in the error style.
func Err(err error) slog.Attr { return slog.String(errKey, err.Error()) }
