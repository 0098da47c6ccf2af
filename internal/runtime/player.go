package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drblury/liveloop/internal/runtime/boot"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/settings"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

const maxOpenAttempts = 8

// PlayerOptions configures a Player.
type PlayerOptions struct {
	Logger loggingpkg.ServiceLogger
	// PollInterval is handed to FileInstance.Watch.
	PollInterval time.Duration
	// Compiler overrides UseCompiler for every file the player opens.
	Compiler *worker.Kind
}

// Player opens files as FileInstances on a registry and keeps them watched.
// Opening a path that is already open reuses its instance.
type Player struct {
	reg  *Registry
	opts PlayerOptions

	mu     sync.Mutex
	byPath map[string]*FileInstance
	wg     sync.WaitGroup
}

// NewPlayer returns a Player for reg.
func NewPlayer(reg *Registry, opts PlayerOptions) *Player {
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewNopServiceLogger()
	}
	return &Player{reg: reg, opts: opts, byPath: make(map[string]*FileInstance)}
}

// Open registers path and starts watching it until ctx is cancelled or the
// instance is removed. With run set the file is executed right away.
func (p *Player) Open(ctx context.Context, path string, run bool) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}

	p.mu.Lock()
	inst, ok := p.byPath[abs]
	if ok {
		select {
		case <-inst.Closed():
			delete(p.byPath, abs)
			ok = false
		default:
		}
	}
	if !ok {
		inst, err = p.register(abs)
		if err != nil {
			p.mu.Unlock()
			return -1, err
		}
		p.byPath[abs] = inst
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = inst.Watch(ctx, p.opts.PollInterval)
		}()
	}
	p.mu.Unlock()

	if run {
		inst.Run()
	}
	return inst.ID(), nil
}

// register retries when another front end claimed the free id first.
func (p *Player) register(path string) (*FileInstance, error) {
	for range maxOpenAttempts {
		inst := NewFileInstance(p.reg.NextFreeID(), path, p.opts.Logger)
		if p.reg.AddInstance(inst, true) {
			if p.opts.Compiler != nil {
				if err := p.reg.ChangeSetting(inst.ID(), settings.KeyUseCompiler, int(*p.opts.Compiler)); err != nil {
					return nil, err
				}
			}
			p.opts.Logger.Info("File opened", loggingpkg.LogFields{"instance": inst.ID(), "file": path})
			return inst, nil
		}
		select {
		case <-p.reg.Done():
			return nil, errspkg.ErrRegistryClosed
		default:
		}
	}
	return nil, fmt.Errorf("open %s: no free instance id", path)
}

// Instances returns the open file instances.
func (p *Player) Instances() []*FileInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FileInstance, 0, len(p.byPath))
	for _, inst := range p.byPath {
		out = append(out, inst)
	}
	return out
}

// Wait blocks until every watcher returned.
func (p *Player) Wait() {
	p.wg.Wait()
}

// HandleBoot serves requests forwarded by boot.Forward.
func (p *Player) HandleBoot(ctx context.Context, req boot.Request) (int, error) {
	return p.Open(ctx, req.Path, req.Action == boot.ActionRun)
}
