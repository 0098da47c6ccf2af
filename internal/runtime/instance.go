package runtime

import (
	"context"
)

// Instance is the editor-side handle of one open document. The registry
// keeps a non-owning reference to it until the instance is removed or
// destroyed. The inbound methods are called on the registry goroutine and
// must not call registry methods synchronously; use the bound Signals.
type Instance interface {
	ID() int
	Title() string
	SourceCode() string

	ReportError(msg string)
	ReportWarning(msg string)
	HighlightErroredLine(line int)
	CodeStopped()

	// Close asks the instance to close gracefully. false means it refused.
	Close() bool
}

// Binder is implemented by instances that want to emit signals towards the
// registry. Bind is called once from AddInstance.
type Binder interface {
	Bind(Signals)
}

// Signals are the outbound notifications of one instance. Every function
// except RequestSetting and RequestSettings is asynchronous: it queues work
// on the registry goroutine and returns immediately, so it is safe to call
// from inside an inbound Instance method.
type Signals struct {
	RequestRun      func()
	RequestStop     func()
	ChangeSetting   func(key string, value any)
	ChangeSettings  func(values map[string]any)
	RequestSetting  func(key string, def any) any
	RequestSettings func() map[string]any
	CloseAll        func()
	OpenSettings    func()
	OpenHelp        func()
	// Closing requests removal with settings cleanup.
	Closing func()
	// Destroyed drops the entry without asking the instance to close.
	Destroyed func()
}

// UI is the optional collaborator that shows settings and help.
type UI interface {
	OpenSettings(id int)
	OpenHelp()
}

func (r *Registry) signalsFor(id int) Signals {
	return Signals{
		RequestRun: func() {
			r.post(func() {
				_ = r.dispatchRun(context.Background(), id)
			})
		},
		RequestStop: func() {
			r.post(func() { r.dispatchStop(id) })
		},
		ChangeSetting: func(key string, value any) {
			r.post(func() { r.changeSetting(id, key, value) })
		},
		ChangeSettings: func(values map[string]any) {
			r.post(func() { r.changeSettings(id, values) })
		},
		RequestSetting: func(key string, def any) any {
			return r.store.Get(id, key, def)
		},
		RequestSettings: func() map[string]any {
			return r.store.GetAll(id)
		},
		CloseAll: func() {
			r.post(func() { r.closeAll() })
		},
		OpenSettings: func() {
			r.post(func() {
				if r.ui != nil {
					r.ui.OpenSettings(id)
				}
			})
		},
		OpenHelp: func() {
			r.post(func() {
				if r.ui != nil {
					r.ui.OpenHelp()
				}
			})
		},
		Closing: func() {
			r.post(func() { r.removeInstance(id, true) })
		},
		Destroyed: func() {
			r.post(func() { r.destroyed(id) })
		},
	}
}
