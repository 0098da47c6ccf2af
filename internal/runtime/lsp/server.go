// Package lsp exposes the registry to editors over the Language Server
// Protocol. Every open document becomes an instance; run, stop and compiler
// selection are workspace commands and diagnostics come back as
// publishDiagnostics notifications.
package lsp

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	runtimepkg "github.com/drblury/liveloop/internal/runtime"
	"github.com/drblury/liveloop/internal/runtime/worker"

	_ "github.com/tliron/commonlog/simple"
)

// Name is the server name announced to clients and used as diagnostic source.
const Name = "liveloop"

const (
	CommandRun            = "liveloop.run"
	CommandStop           = "liveloop.stop"
	CommandSelectCompiler = "liveloop.selectCompiler"
	CommandCloseAll       = "liveloop.closeAll"
	CommandHelp           = "liveloop.help"
)

// Commands lists every workspace command the server executes.
var Commands = []string{CommandRun, CommandStop, CommandSelectCompiler, CommandCloseAll, CommandHelp}

var log = commonlog.GetLogger("liveloop.lsp")

// Host is the part of the registry the server drives.
type Host interface {
	NextFreeID() int
	AddInstance(inst runtimepkg.Instance, removeExistingSettings bool) bool
	CloseAllInstances() []int
	HasWorker(id int) bool
	GetSettings(id int) map[string]any
}

// Server bridges an LSP client to a Host. It also implements runtime.UI so
// settings and help requests are answered with window messages.
type Server struct {
	version string

	mu       sync.Mutex
	host     Host
	docs     map[protocol.DocumentUri]*document
	notifyFn glsp.NotifyFunc

	handler protocol.Handler
	server  *glspserver.Server
}

// NewServer returns a server that is not yet attached to a host.
func NewServer(version string) *Server {
	s := &Server{
		version: version,
		docs:    make(map[protocol.DocumentUri]*document),
	}
	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidSave:   s.textDocumentDidSave,
		TextDocumentDidClose:  s.textDocumentDidClose,

		WorkspaceExecuteCommand: s.workspaceExecuteCommand,
	}
	s.server = glspserver.NewServer(&s.handler, Name, false)
	return s
}

// Attach sets the host. It must be called before RunStdio.
func (s *Server) Attach(h Host) {
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()
}

// RunStdio serves the protocol on stdin/stdout until the client disconnects.
func (s *Server) RunStdio() error {
	return s.server.RunStdio()
}

// OpenSettings shows the stored settings of an instance.
func (s *Server) OpenSettings(id int) {
	h := s.getHost()
	if h == nil {
		return
	}
	values := h.GetSettings(id)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, values[k]))
	}
	s.showMessage(protocol.MessageTypeInfo, fmt.Sprintf("instance %d settings: %s", id, strings.Join(parts, ", ")))
}

// OpenHelp shows the command overview.
func (s *Server) OpenHelp() {
	s.showMessage(protocol.MessageTypeInfo, helpText())
}

func helpText() string {
	kinds := make([]string, 0, len(worker.Kinds()))
	for _, k := range worker.Kinds() {
		kinds = append(kinds, fmt.Sprintf("%d=%s", int(k), k))
	}
	return fmt.Sprintf("%s: run the document with %s, stop it with %s, choose a compiler with %s <uri> <n> (%s), close everything with %s.",
		Name, CommandRun, CommandStop, CommandSelectCompiler, strings.Join(kinds, ", "), CommandCloseAll)
}

func (s *Server) getHost() Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Server) remember(ctx *glsp.Context) {
	if ctx == nil || ctx.Notify == nil {
		return
	}
	s.mu.Lock()
	s.notifyFn = ctx.Notify
	s.mu.Unlock()
}

func (s *Server) notify(method string, params any) {
	s.mu.Lock()
	fn := s.notifyFn
	s.mu.Unlock()
	if fn != nil {
		fn(method, params)
	}
}

func (s *Server) showMessage(kind protocol.MessageType, msg string) {
	s.notify(protocol.ServerWindowShowMessage, protocol.ShowMessageParams{Type: kind, Message: msg})
}

func (s *Server) document(uri protocol.DocumentUri) *document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[uri]
}

// forget is called from document.Close on the registry goroutine.
func (s *Server) forget(uri protocol.DocumentUri, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[uri]; ok && d.id == id {
		delete(s.docs, uri)
	}
}

// --- LSP lifecycle handlers ---

func (s *Server) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	s.remember(ctx)
	log.Infof("%s language server initializing", Name)

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
		Save:      true,
	}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: Commands,
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &s.version,
		},
	}, nil
}

func (s *Server) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	s.remember(ctx)
	return nil
}

func (s *Server) shutdown(ctx *glsp.Context) error {
	h := s.getHost()
	if h == nil {
		return nil
	}
	if refused := h.CloseAllInstances(); len(refused) > 0 {
		log.Infof("instances refused to close: %v", refused)
	}
	return nil
}

func (s *Server) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *Server) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.remember(ctx)
	h := s.getHost()
	if h == nil {
		return errNotAttached
	}
	uri := params.TextDocument.URI
	if d := s.document(uri); d != nil {
		d.setText(params.TextDocument.Text)
		return nil
	}

	for range maxOpenAttempts {
		d := newDocument(s, h.NextFreeID(), uri, params.TextDocument.Text)
		s.mu.Lock()
		s.docs[uri] = d
		s.mu.Unlock()
		if h.AddInstance(d, false) {
			log.Debugf("opened %s as instance %d", uri, d.id)
			return nil
		}
		s.forget(uri, d.id)
	}
	return fmt.Errorf("lsp: could not register %s", uri)
}

func (s *Server) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	d := s.document(params.TextDocument.URI)
	if d == nil || len(params.ContentChanges) == 0 {
		return nil
	}
	// With Full sync, the last change event contains the full text.
	last := params.ContentChanges[len(params.ContentChanges)-1]
	if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
		d.setText(whole.Text)
	}
	return nil
}

// textDocumentDidSave hot-swaps a running document.
func (s *Server) textDocumentDidSave(ctx *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	s.remember(ctx)
	d := s.document(params.TextDocument.URI)
	h := s.getHost()
	if d == nil || h == nil {
		return nil
	}
	if params.Text != nil {
		d.setText(*params.Text)
	}
	if h.HasWorker(d.id) {
		s.run(d)
	}
	return nil
}

func (s *Server) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	s.remember(ctx)
	uri := params.TextDocument.URI
	d := s.document(uri)
	if d == nil {
		return nil
	}
	s.forget(uri, d.id)
	if closing := d.signals().Closing; closing != nil {
		closing()
	}
	s.notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *Server) run(d *document) {
	d.clear()
	if run := d.signals().RequestRun; run != nil {
		run()
	}
}

func boolPtr(v bool) *bool {
	return &v
}

var _ runtimepkg.UI = (*Server)(nil)
