package runtime

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

const tracerName = "github.com/drblury/liveloop/runtime"

// RegistryOptions holds the collaborators of a Registry.
type RegistryOptions struct {
	Settings settings.Store
	Worker   worker.Config
	Hooks    WorkerHooks
	UI       UI
	Logger   loggingpkg.ServiceLogger
	Tracer   trace.Tracer
	// DefaultCompiler is stored as UseCompiler for instances that have none.
	// Nil leaves unconfigured instances unconfigured.
	DefaultCompiler *worker.Kind
	// NewWorker overrides worker construction, mostly for tests.
	NewWorker func(worker.Options) (worker.Worker, error)
}

// InstanceStatus is one row of Snapshot.
type InstanceStatus struct {
	ID        int        `json:"id"`
	Title     string     `json:"title"`
	Kind      string     `json:"kind,omitempty"`
	State     string     `json:"state"`
	RunID     string     `json:"run_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type workerEntry struct {
	w         worker.Worker
	title     string
	source    string
	startedAt time.Time
}

// Registry maps instance ids to their worker. All state is owned by the
// goroutine running Run; public methods hand their work to it and wait.
// Workers report back by queueing work, so they never block on the registry.
type Registry struct {
	store           settings.Store
	cfg             worker.Config
	hooks           WorkerHooks
	ui              UI
	logger          loggingpkg.ServiceLogger
	tracer          trace.Tracer
	defaultCompiler *worker.Kind
	newWorker       func(worker.Options) (worker.Worker, error)

	instances map[int]Instance
	ids       []int
	workers   map[int]*workerEntry

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewRegistry builds a Registry. Nothing happens until Run is called.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Settings == nil {
		return nil, errspkg.ErrSettingsRequired
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewNopServiceLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.NewWorker == nil {
		opts.NewWorker = func(o worker.Options) (worker.Worker, error) {
			return worker.New(o)
		}
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = opts.Logger
	}
	return &Registry{
		store:           opts.Settings,
		cfg:             opts.Worker,
		hooks:           opts.Hooks,
		ui:              opts.UI,
		logger:          opts.Logger,
		tracer:          opts.Tracer,
		defaultCompiler: opts.DefaultCompiler,
		newWorker:       opts.NewWorker,
		instances:       make(map[int]Instance),
		workers:         make(map[int]*workerEntry),
		wake:            make(chan struct{}, 1),
		stopped:         make(chan struct{}),
	}, nil
}

// Run processes queued work until ctx is cancelled, then terminates every
// worker and waits for them. Run must be called exactly once.
func (r *Registry) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.stopped) })

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-r.wake:
		}
		for _, fn := range r.drain() {
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.stopped
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	r.closed = true
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	// Work posted before cancellation still runs so callers blocked in do
	// are released.
	for _, fn := range pending {
		fn()
	}
	for _, id := range r.workerIDs() {
		r.stopWorker(id, false)
	}
	r.logger.Info("Registry stopped", nil)
}

func (r *Registry) drain() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queue
	r.queue = nil
	return q
}

// post queues fn for the registry goroutine. It never blocks and reports
// false once the registry has stopped.
func (r *Registry) post(fn func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the registry goroutine and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	if !r.post(func() {
		defer close(done)
		fn()
	}) {
		return errspkg.ErrRegistryClosed
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		select {
		case <-done:
			return nil
		default:
			return errspkg.ErrRegistryClosed
		}
	}
}

// AddInstance records inst and binds its signals. It returns false when the
// id is already registered or the registry is closed.
func (r *Registry) AddInstance(inst Instance, removeExistingSettings bool) bool {
	if inst == nil {
		return false
	}
	var added bool
	_ = r.do(func() { added = r.addInstance(inst, removeExistingSettings) })
	return added
}

// RemoveInstance asks the instance to close. On refusal nothing changes and
// false is returned.
func (r *Registry) RemoveInstance(id int, removeSettings bool) bool {
	var removed bool
	_ = r.do(func() { removed = r.removeInstance(id, removeSettings) })
	return removed
}

// CloseAllInstances removes every instance it can and returns the ids that
// refused to close.
func (r *Registry) CloseAllInstances() []int {
	var refused []int
	_ = r.do(func() { refused = r.closeAll() })
	return refused
}

// NextFreeID returns the smallest non-negative id not in use.
func (r *Registry) NextFreeID() int {
	var id int
	_ = r.do(func() { id = r.nextFreeID() })
	return id
}

// DispatchRun hot-swaps the running worker of id or starts a new one.
// Diagnostics are reported to the instance; the returned error only tells
// the caller whether the request could be served.
func (r *Registry) DispatchRun(ctx context.Context, id int) error {
	var err error
	if doErr := r.do(func() { err = r.dispatchRun(ctx, id) }); doErr != nil {
		return doErr
	}
	return err
}

// DispatchStop terminates the worker of id if there is one.
func (r *Registry) DispatchStop(id int) error {
	return r.do(func() { r.dispatchStop(id) })
}

// GetSetting reads a setting of id.
func (r *Registry) GetSetting(id int, key string, def any) any {
	return r.store.Get(id, key, def)
}

// ChangeSetting writes a setting of id.
func (r *Registry) ChangeSetting(id int, key string, value any) error {
	return r.store.Set(id, key, value)
}

// GetSettings returns every setting of id.
func (r *Registry) GetSettings(id int) map[string]any {
	return r.store.GetAll(id)
}

// ChangeSettings writes several settings of id.
func (r *Registry) ChangeSettings(id int, values map[string]any) error {
	return r.store.SetAll(id, values)
}

// LoadIDs returns the persisted instance ids. Entries that are not integers
// are skipped.
func (r *Registry) LoadIDs() []int {
	raw := r.store.Get(settings.Global, settings.KeyInstances, nil)
	return parseIDs(raw)
}

// IDs returns the tracked ids in insertion order.
func (r *Registry) IDs() []int {
	var out []int
	_ = r.do(func() { out = slices.Clone(r.ids) })
	return out
}

// Snapshot describes every registered instance, ordered by id.
func (r *Registry) Snapshot() []InstanceStatus {
	var out []InstanceStatus
	_ = r.do(func() {
		for id, inst := range r.instances {
			st := InstanceStatus{ID: id, Title: inst.Title(), State: "idle"}
			if e, ok := r.workers[id]; ok {
				at := e.startedAt
				st.Kind = e.w.Kind().String()
				st.State = e.w.State().String()
				st.RunID = e.w.RunID()
				st.StartedAt = &at
			}
			out = append(out, st)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasWorker reports whether id currently owns a worker.
func (r *Registry) HasWorker(id int) bool {
	var ok bool
	_ = r.do(func() { _, ok = r.workers[id] })
	return ok
}

// WorkerState returns the state of id's worker, if any.
func (r *Registry) WorkerState(id int) (worker.State, bool) {
	var (
		st worker.State
		ok bool
	)
	_ = r.do(func() {
		var e *workerEntry
		if e, ok = r.workers[id]; ok {
			st = e.w.State()
		}
	})
	return st, ok
}

func (r *Registry) addInstance(inst Instance, removeExistingSettings bool) bool {
	id := inst.ID()
	if id < 0 {
		return false
	}
	if _, ok := r.instances[id]; ok {
		return false
	}
	if removeExistingSettings {
		r.removeSettings(id)
	}
	r.instances[id] = inst
	if b, ok := inst.(Binder); ok {
		b.Bind(r.signalsFor(id))
	}
	if !slices.Contains(r.ids, id) {
		r.ids = append(r.ids, id)
	}
	r.ensureDefaults(id)
	r.saveIDs()
	r.logger.Debug("Instance added", loggingpkg.LogFields{"instance": id, "title": inst.Title()})
	return true
}

func (r *Registry) removeInstance(id int, removeSettings bool) bool {
	if inst, ok := r.instances[id]; ok {
		if !inst.Close() {
			r.logger.Debug("Instance refused to close", loggingpkg.LogFields{"instance": id})
			return false
		}
		delete(r.instances, id)
	}
	r.stopWorker(id, false)
	if removeSettings && len(r.ids) > 1 {
		r.removeSettings(id)
		r.ids = slices.DeleteFunc(r.ids, func(v int) bool { return v == id })
		r.saveIDs()
	}
	return true
}

func (r *Registry) closeAll() []int {
	ids := slices.Clone(r.ids)
	var refused []int
	for _, id := range ids {
		if !r.removeInstance(id, false) {
			refused = append(refused, id)
		}
	}
	if len(refused) > 0 {
		for _, id := range ids {
			if !slices.Contains(refused, id) {
				r.removeSettings(id)
			}
		}
		r.ids = slices.Clone(refused)
	}
	r.saveIDs()
	return refused
}

func (r *Registry) destroyed(id int) {
	delete(r.instances, id)
	r.stopWorker(id, false)
}

func (r *Registry) nextFreeID() int {
	id := 0
	for slices.Contains(r.ids, id) {
		id++
	}
	return id
}

func (r *Registry) changeSetting(id int, key string, value any) {
	if err := r.store.Set(id, key, value); err != nil {
		r.logger.Error("Failed to store setting", err, loggingpkg.LogFields{"instance": id, "key": key})
	}
}

func (r *Registry) changeSettings(id int, values map[string]any) {
	if err := r.store.SetAll(id, values); err != nil {
		r.logger.Error("Failed to store settings", err, loggingpkg.LogFields{"instance": id})
	}
}

func (r *Registry) removeSettings(id int) {
	if err := r.store.Remove(id); err != nil {
		r.logger.Error("Failed to remove settings", err, loggingpkg.LogFields{"instance": id})
	}
}

func (r *Registry) ensureDefaults(id int) {
	if r.defaultCompiler == nil {
		return
	}
	if r.store.Get(id, settings.KeyUseCompiler, nil) != nil {
		return
	}
	r.changeSetting(id, settings.KeyUseCompiler, int(*r.defaultCompiler))
}

func (r *Registry) saveIDs() {
	ids := slices.Clone(r.ids)
	if ids == nil {
		ids = []int{}
	}
	if err := r.store.Set(settings.Global, settings.KeyInstances, ids); err != nil {
		r.logger.Error("Failed to persist instance ids", err, nil)
	}
}

func (r *Registry) workerIDs() []int {
	ids := make([]int, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func parseIDs(raw any) []int {
	var items []any
	switch t := raw.(type) {
	case []any:
		items = t
	case []int:
		return slices.Clone(t)
	default:
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		if id, ok := toInt(item); ok {
			out = append(out, id)
		}
	}
	return out
}
