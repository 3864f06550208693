// 管理后台异步任务（通知推送等），进程退出时可以等待或取消仍在运行的任务
package threading

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

var ErrStopped = errors.New("threading: stopped")

type PanicFunc func(ctx context.Context, err any)

type Threading struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

func New() *Threading {
	return &Threading{
		cancels: make(map[uint64]context.CancelFunc),
	}
}

func DefaultPanicFunc(ctx context.Context, err any) {
	log.WithContext(ctx, log.GetLogger()).Log(log.LevelError, "msg", fmt.Sprintf("panic: %v\n%s", err, debug.Stack()))
}

// Go 在后台执行 run。
// run 收到的 ctx 保留调用方的 value，但不会随调用方取消，只受 Stop 控制。
// Stop 之后再调用返回 ErrStopped。
func (t *Threading) Go(ctx context.Context, run func(ctx context.Context), onPanic ...PanicFunc) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	id := t.nextID
	t.nextID++
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancels[id] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.cancels, id)
			t.mu.Unlock()
			cancel()
			t.wg.Done()
		}()
		defer func() {
			if err := recover(); err != nil {
				handlers := onPanic
				if len(handlers) == 0 {
					handlers = []PanicFunc{DefaultPanicFunc}
				}
				for _, h := range handlers {
					h(runCtx, err)
				}
			}
		}()

		run(runCtx)
	}()
	return nil
}

// Stop 之后不再接收新任务。
// wait 为 true 时最多等待 timeout 让任务自然结束，之后取消所有剩余任务。
func (t *Threading) Stop(wait bool, timeout time.Duration) {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	if wait {
		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		}
	}

	t.mu.Lock()
	for _, cancel := range t.cancels {
		cancel()
	}
	t.mu.Unlock()
}

// Running 返回仍未结束的任务数
func (t *Threading) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}
