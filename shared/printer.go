package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer renders host-facing lines (status, captions, overlays) to one or
// more hooks. Multi-line text is indented line by line.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
	clock  func() time.Time
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks, clock: time.Now}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emit(p.indent(s, ind))
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emit(p.indent(s, ind) + "\n")
}

// Status prints a timestamped one-line status message.
func (p *Printer) Status(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emit(fmt.Sprintf("[%s] %s\n", p.clock().Format("15:04:05"), msg))
}

// Caption prints an original/translated pair as an indented block.
func (p *Printer) Caption(original, translated, lang string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	block := fmt.Sprintf("Original: %s\nTranslated (%s): %s", original, lang, translated)
	return p.emit(fmt.Sprintf("[%s]\n%s\n", at.Format("15:04:05"), p.indent(block, 1)))
}

func (p *Printer) indent(s string, ind int) string {
	prefix := strings.Repeat(p.indStr, ind)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func (p *Printer) emit(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
