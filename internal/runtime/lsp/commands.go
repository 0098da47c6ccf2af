package lsp

import (
	"errors"
	"fmt"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

const maxOpenAttempts = 8

var (
	errNotAttached     = errors.New("lsp: server is not attached to a registry")
	errUnknownCommand  = errors.New("lsp: unknown command")
	errMissingDocument = errors.New("lsp: command needs an open document uri")
	errBadCompiler     = errors.New("lsp: compiler must be one of the numbered variants")
)

func (s *Server) workspaceExecuteCommand(ctx *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	s.remember(ctx)

	switch params.Command {
	case CommandCloseAll:
		h := s.getHost()
		if h == nil {
			return nil, errNotAttached
		}
		refused := h.CloseAllInstances()
		if len(refused) > 0 {
			s.showMessage(protocol.MessageTypeWarning, fmt.Sprintf("instances refused to close: %v", refused))
		}
		return refused, nil
	case CommandHelp:
		if d, err := s.argDocument(params.Arguments); err == nil {
			if open := d.signals().OpenHelp; open != nil {
				open()
				return nil, nil
			}
		}
		s.OpenHelp()
		return nil, nil
	}

	d, err := s.argDocument(params.Arguments)
	if err != nil {
		return nil, err
	}

	switch params.Command {
	case CommandRun:
		s.run(d)
	case CommandStop:
		if stop := d.signals().RequestStop; stop != nil {
			stop()
		}
	case CommandSelectCompiler:
		if len(params.Arguments) < 2 {
			return nil, errBadCompiler
		}
		kind, ok := worker.ParseKind(params.Arguments[1])
		if !ok {
			return nil, fmt.Errorf("%w: %v", errBadCompiler, params.Arguments[1])
		}
		if change := d.signals().ChangeSetting; change != nil {
			change(settings.KeyUseCompiler, int(kind))
		}
		s.showMessage(protocol.MessageTypeInfo, fmt.Sprintf("%s: compiler set to %s", d.Title(), kind))
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownCommand, params.Command)
	}
	return nil, nil
}

func (s *Server) argDocument(args []any) (*document, error) {
	if len(args) == 0 {
		return nil, errMissingDocument
	}
	uri, ok := args[0].(string)
	if !ok {
		return nil, errMissingDocument
	}
	d := s.document(protocol.DocumentUri(uri))
	if d == nil {
		return nil, fmt.Errorf("%w: %s", errMissingDocument, uri)
	}
	return d, nil
}
