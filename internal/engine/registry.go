package engine

import (
	"context"
	"fmt"
	"sync"

	"sniper/internal/logger"
)

// Registry 登记所有受监护的仓位任务。每个 symbol 同时只允许一个监护
// goroutine，进程退出时统一等待收尾，不存在放养的 goroutine。
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*supervisedTask
	wg    sync.WaitGroup
}

type supervisedTask struct {
	position *OpenPosition
	cancel   context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*supervisedTask)}
}

// Register starts run under supervision for pos. A symbol already under
// supervision is rejected so two triggers cannot stack positions.
func (r *Registry) Register(ctx context.Context, pos *OpenPosition, run func(ctx context.Context, pos *OpenPosition)) error {
	if pos == nil {
		return fmt.Errorf("registry: position 不能为空")
	}
	pos.init()
	r.mu.Lock()
	if _, exists := r.tasks[pos.Symbol]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: %s 已在监护中", pos.Symbol)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	r.tasks[pos.Symbol] = &supervisedTask{position: pos, cancel: cancel}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("registry: %s 监护任务 panic: %v", pos.Symbol, rec)
			}
			r.remove(pos.Symbol)
			r.wg.Done()
		}()
		run(taskCtx, pos)
	}()
	logger.Infof("registry: %s 进入监护 (entry=%s direction=%s)", pos.Symbol, pos.EntryID, pos.Direction)
	return nil
}

func (r *Registry) remove(symbol string) {
	r.mu.Lock()
	if task, ok := r.tasks[symbol]; ok {
		task.cancel()
		delete(r.tasks, symbol)
	}
	r.mu.Unlock()
	logger.Infof("registry: %s 退出监护", symbol)
}

// Supervising reports whether symbol already has a supervision task.
func (r *Registry) Supervising(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[symbol]
	return ok
}

// Positions returns a snapshot of all supervised positions.
func (r *Registry) Positions() []*OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*OpenPosition, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task.position)
	}
	return out
}

// Shutdown cancels every task and waits for them to drain.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, task := range r.tasks {
		task.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
