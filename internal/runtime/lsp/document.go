package lsp

import (
	"net/url"
	"path"
	"strings"
	"sync"

	protocol "github.com/tliron/glsp/protocol_3_16"

	runtimepkg "github.com/drblury/liveloop/internal/runtime"
)

// entry is one reported diagnostic. line is 1-based; -1 until the report
// is highlighted.
type entry struct {
	message  string
	severity protocol.DiagnosticSeverity
	line     int
}

// document is one open text document registered as a registry instance.
type document struct {
	id  int
	uri protocol.DocumentUri
	srv *Server

	mu      sync.Mutex
	text    string
	sig     runtimepkg.Signals
	entries []entry
}

func newDocument(srv *Server, id int, uri protocol.DocumentUri, text string) *document {
	return &document{id: id, uri: uri, srv: srv, text: text}
}

func (d *document) ID() int { return d.id }

func (d *document) Title() string { return titleFromURI(d.uri) }

func (d *document) SourceCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

func (d *document) setText(text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
}

func (d *document) ReportError(msg string) {
	d.add(msg, protocol.DiagnosticSeverityError)
	d.srv.showMessage(protocol.MessageTypeError, d.Title()+": "+msg)
}

func (d *document) ReportWarning(msg string) {
	d.add(msg, protocol.DiagnosticSeverityWarning)
}

// HighlightErroredLine locates the most recent report. Earlier reports keep
// their own lines.
func (d *document) HighlightErroredLine(line int) {
	d.mu.Lock()
	if n := len(d.entries); n > 0 && d.entries[n-1].line < 0 {
		d.entries[n-1].line = line
	}
	d.mu.Unlock()
	d.publish()
}

func (d *document) CodeStopped() {
	d.srv.showMessage(protocol.MessageTypeInfo, d.Title()+": code stopped")
}

// Close always succeeds; the editor owns the buffer.
func (d *document) Close() bool {
	d.srv.forget(d.uri, d.id)
	return true
}

func (d *document) Bind(s runtimepkg.Signals) {
	d.mu.Lock()
	d.sig = s
	d.mu.Unlock()
}

func (d *document) signals() runtimepkg.Signals {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sig
}

func (d *document) add(msg string, severity protocol.DiagnosticSeverity) {
	d.mu.Lock()
	d.entries = append(d.entries, entry{message: msg, severity: severity, line: -1})
	d.mu.Unlock()
	d.publish()
}

// clear drops diagnostics before a new run.
func (d *document) clear() {
	d.mu.Lock()
	d.entries = nil
	d.mu.Unlock()
	d.publish()
}

func (d *document) diagnostics() []protocol.Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]protocol.Diagnostic, 0, len(d.entries))
	for _, e := range d.entries {
		line := protocol.UInteger(0)
		if e.line > 0 {
			line = protocol.UInteger(e.line - 1)
		}
		severity := e.severity
		source := Name
		out = append(out, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: line, Character: 0},
				End:   protocol.Position{Line: line + 1, Character: 0},
			},
			Severity: &severity,
			Source:   &source,
			Message:  e.message,
		})
	}
	return out
}

func (d *document) publish() {
	d.srv.notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         d.uri,
		Diagnostics: d.diagnostics(),
	})
}

func titleFromURI(uri protocol.DocumentUri) string {
	s := string(uri)
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		s = u.Path
	} else {
		s = strings.TrimPrefix(s, "file://")
	}
	return path.Base(s)
}
