// Package shutdown provides graceful shutdown for the mediadl service
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shepherd-project/mediadl/internal/logger"
)

// ShutdownHook represents a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (stop accepting requests)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (stop transfers)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (close stores)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (flush logs)
	PriorityLow HookPriority = 3
)

type shutdownHook struct {
	name     string
	hook     ShutdownHook
	priority HookPriority
}

// Manager runs registered hooks in priority order on SIGINT/SIGTERM or Stop
type Manager struct {
	mu          sync.RWMutex
	hooks       []shutdownHook
	timeout     time.Duration
	sigChan     chan os.Signal
	stopChan    chan struct{}
	shutdownCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	shutdown    bool
}

// NewManager creates a new shutdown manager. timeout bounds each hook.
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:     timeout,
		sigChan:     make(chan os.Signal, 1),
		stopChan:    make(chan struct{}, 1),
		shutdownCtx: ctx,
		cancel:      cancel,
	}
}

// Register registers a new shutdown hook with the given name and priority
func (m *Manager) Register(name string, hook ShutdownHook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, shutdownHook{name: name, hook: hook, priority: priority})
	logger.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// Start begins listening for shutdown signals
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()
	defer signal.Stop(m.sigChan)

	select {
	case sig := <-m.sigChan:
		logger.Infof("收到关闭信号: %v", sig)
	case <-m.stopChan:
		logger.Info("收到程序停止请求")
	}
	m.performShutdown()
}

// performShutdown executes all hooks, lowest priority value first. Hooks of
// equal priority keep registration order.
func (m *Manager) performShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := make([]shutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	logger.Info("开始优雅关闭...")

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	for _, hook := range hooks {
		m.runHook(hook)
	}

	logger.Info("优雅关闭完成")
	m.cancel()
}

func (m *Manager) runHook(hook shutdownHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	logger.Infof("执行关闭钩子: %s", hook.name)

	done := make(chan error, 1)
	go func() {
		done <- hook.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("关闭钩子 %s 失败: %v", hook.name, err)
		} else {
			logger.Infof("关闭钩子 %s 完成", hook.name)
		}
	case <-ctx.Done():
		logger.Errorf("关闭钩子 %s 超时 (%v)", hook.name, m.timeout)
	}
}

// Stop triggers graceful shutdown programmatically
func (m *Manager) Stop() {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return
	}

	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Context is canceled once every hook has run
func (m *Manager) Context() context.Context {
	return m.shutdownCtx
}

// Done returns a channel that's closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCtx.Done()
}

// Wait blocks until shutdown is complete
func (m *Manager) Wait() {
	m.wg.Wait()
}
