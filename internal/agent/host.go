package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/barbell-app/barbell-agent/internal/cache"
	"github.com/barbell-app/barbell-agent/internal/logging"
)

// WorkerState 对应 worker 的生命周期阶段。
type WorkerState string

const (
	StateInstalling WorkerState = "installing"
	StateInstalled  WorkerState = "installed"
	StateActivating WorkerState = "activating"
	StateActivated  WorkerState = "activated"
	StateRedundant  WorkerState = "redundant"
)

// ErrNotRegistered 表示尚未有任何 worker 完成安装。
var ErrNotRegistered = errors.New("agent not registered")

type worker struct {
	id          string
	cfg         Config
	skipWaiting atomic.Bool

	// 以下字段由 Host.mu 保护。
	state       WorkerState
	activatedAt time.Time
}

func (w *worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

// HostOptions 描述 Host 依赖的运行时能力。
type HostOptions struct {
	Storage           cache.Storage
	Network           Fetcher
	Logger            *logrus.Logger
	Observer          Observer
	ClientIdleTimeout time.Duration
}

// Host 扮演宿主运行时：串行化生命周期事件，维护 installing/waiting/active worker，
// 并把页面请求派发给激活的 worker 或直接透传到网络。
type Host struct {
	storage  cache.Storage
	network  Fetcher
	logger   *logrus.Logger
	observer Observer
	clients  *ClientSet

	install  func(context.Context, Config, Deps) error
	activate func(context.Context, Config, Deps) error

	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *worker
	waiting    *worker
	active     *worker
}

// NewHost 创建尚未注册任何 worker 的 Host。
func NewHost(opts HostOptions) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Host{
		storage:  opts.Storage,
		network:  opts.Network,
		logger:   logger,
		observer: observer,
		clients:  NewClientSet(opts.ClientIdleTimeout),
		install:  Install,
		activate: Activate,
	}
}

// Clients 返回 Host 维护的客户端集合。
func (h *Host) Clients() *ClientSet {
	return h.clients
}

// Register 为 cfg 安装新的 worker；若当前 worker 的配置完全相同则什么也不做。
//
// 安装成功后，若 worker 请求跳过等待，或没有受控客户端，则立即激活；否则进入
// waiting 状态，直到 Maintain 发现受控客户端全部离开。安装失败时旧 worker 保持不变。
func (h *Host) Register(ctx context.Context, cfg Config) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.RLock()
	unchanged := (h.active != nil && h.active.cfg.Equal(cfg)) ||
		(h.waiting != nil && h.waiting.cfg.Equal(cfg))
	h.mu.RUnlock()
	if unchanged {
		h.logger.WithFields(logging.LifecycleFields("register", cfg.Version)).Debug("register_unchanged")
		return nil
	}
	return h.installAndActivate(ctx, cfg)
}

// Reinstall 对当前配置重新执行 install + activate，用于刷新缓存。
func (h *Host) Reinstall(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.RLock()
	var current *worker
	switch {
	case h.waiting != nil:
		current = h.waiting
	case h.active != nil:
		current = h.active
	}
	h.mu.RUnlock()
	if current == nil {
		return ErrNotRegistered
	}
	return h.installAndActivate(ctx, current.cfg)
}

// Maintain 清理空闲客户端；若有 waiting worker 且已无受控客户端则激活它。
func (h *Host) Maintain(ctx context.Context) error {
	if removed := h.clients.Prune(); removed > 0 {
		h.logger.WithField("action", "clients_pruned").WithField("removed", removed).Debug("clients_pruned")
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.RLock()
	pending := h.waiting != nil
	h.mu.RUnlock()
	if !pending || h.mustWait() {
		return nil
	}
	return h.activateWaiting(ctx)
}

// Dispatch 是 fetch 事件：受控客户端在 scope 内的请求交给 HandleFetch，其余请求直接透传网络。
func (h *Host) Dispatch(ctx context.Context, clientID string, req *Request) (*Result, error) {
	h.mu.RLock()
	w := h.active
	h.mu.RUnlock()

	inScope := w != nil && w.cfg.InScope(req.URL)
	controlled := h.clients.Touch(clientID, w != nil, inScope && req.IsNavigation())
	if !inScope || !controlled {
		return h.passthrough(ctx, req)
	}
	return HandleFetch(ctx, w.cfg, h.deps(w), req)
}

// ActiveVersion 返回激活 worker 的缓存版本，未激活时为空。
func (h *Host) ActiveVersion() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return ""
	}
	return h.active.cfg.Version
}

// Status 是 Host 的只读快照。
type Status struct {
	State             WorkerState `json:"state"`
	WorkerID          string      `json:"worker_id,omitempty"`
	Version           string      `json:"version,omitempty"`
	WaitingVersion    string      `json:"waiting_version,omitempty"`
	InstallingVersion string      `json:"installing_version,omitempty"`
	ActivatedAt       *time.Time  `json:"activated_at,omitempty"`
	Caches            []string    `json:"caches"`
	Entries           int         `json:"entries"`
	Clients           int         `json:"clients"`
	ControlledClients int         `json:"controlled_clients"`
}

// Status 返回当前 worker 状态、缓存列表与客户端计数。
func (h *Host) Status(ctx context.Context) (Status, error) {
	h.mu.RLock()
	var st Status
	if h.active != nil {
		st.State = h.active.state
		st.WorkerID = h.active.id
		st.Version = h.active.cfg.Version
		if !h.active.activatedAt.IsZero() {
			at := h.active.activatedAt
			st.ActivatedAt = &at
		}
	}
	if h.waiting != nil {
		st.WaitingVersion = h.waiting.cfg.Version
		if h.active == nil {
			st.State = h.waiting.state
		}
	}
	if h.installing != nil {
		st.InstallingVersion = h.installing.cfg.Version
		if st.State == "" {
			st.State = h.installing.state
		}
	}
	h.mu.RUnlock()

	st.Clients, st.ControlledClients = h.clients.Counts()

	names, err := h.storage.Keys(ctx)
	if err != nil {
		return st, fmt.Errorf("list caches: %w", err)
	}
	st.Caches = names
	if names == nil {
		st.Caches = []string{}
	}

	if st.Version != "" {
		has, err := h.storage.Has(ctx, st.Version)
		if err != nil {
			return st, err
		}
		if has {
			store, err := h.storage.Open(ctx, st.Version)
			if err != nil {
				return st, err
			}
			keys, err := store.Keys(ctx)
			if err != nil {
				return st, err
			}
			st.Entries = len(keys)
		}
	}
	return st, nil
}

func (h *Host) installAndActivate(ctx context.Context, cfg Config) error {
	w := &worker{id: uuid.NewString(), cfg: cfg, state: StateInstalling}
	fields := logging.LifecycleFields("install", cfg.Version)
	fields["worker_id"] = w.id

	h.mu.Lock()
	h.installing = w
	h.mu.Unlock()

	ictx, cancel := context.WithTimeout(ctx, cfg.lifecycleTimeout())
	err := h.install(ictx, cfg, h.deps(w))
	cancel()
	h.observer.LifecycleEvent("install", err)

	h.mu.Lock()
	h.installing = nil
	if err != nil {
		w.state = StateRedundant
		h.mu.Unlock()
		h.logger.WithFields(fields).WithError(err).Error("worker_install_failed")
		return fmt.Errorf("install %s: %w", cfg.Version, err)
	}
	w.state = StateInstalled
	if h.waiting != nil {
		h.waiting.state = StateRedundant
	}
	h.waiting = w
	h.mu.Unlock()
	h.logger.WithFields(fields).Info("worker_installed")

	if !w.skipWaiting.Load() && h.mustWait() {
		h.logger.WithFields(fields).Info("worker_waiting")
		return nil
	}
	return h.activateWaiting(ctx)
}

// mustWait 表示已有激活 worker 且仍有受控客户端。
func (h *Host) mustWait() bool {
	h.mu.RLock()
	hasActive := h.active != nil
	h.mu.RUnlock()
	if !hasActive {
		return false
	}
	_, controlled := h.clients.Counts()
	return controlled > 0
}

func (h *Host) activateWaiting(ctx context.Context) error {
	h.mu.Lock()
	w := h.waiting
	if w == nil {
		h.mu.Unlock()
		return nil
	}
	h.waiting = nil
	if h.active != nil {
		h.active.state = StateRedundant
	}
	h.active = w
	w.state = StateActivating
	h.mu.Unlock()

	fields := logging.LifecycleFields("activate", w.cfg.Version)
	fields["worker_id"] = w.id

	actx, cancel := context.WithTimeout(ctx, w.cfg.lifecycleTimeout())
	err := h.activate(actx, w.cfg, h.deps(w))
	cancel()
	h.observer.LifecycleEvent("activate", err)

	h.mu.Lock()
	w.state = StateActivated
	w.activatedAt = time.Now().UTC()
	h.mu.Unlock()

	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("worker_activated_with_errors")
		return fmt.Errorf("activate %s: %w", w.cfg.Version, err)
	}
	h.logger.WithFields(fields).Info("worker_activated")
	return nil
}

func (h *Host) passthrough(ctx context.Context, req *Request) (*Result, error) {
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.observer.FetchServed(req.Mode, "error")
		return nil, err
	}
	h.observer.FetchServed(req.Mode, string(SourcePassthrough))
	return &Result{Response: resp, Source: SourcePassthrough}, nil
}

func (h *Host) deps(w *worker) Deps {
	return Deps{
		Storage:  h.storage,
		Network:  h.network,
		Clients:  h.clients,
		Runtime:  w,
		Logger:   h.logger,
		Observer: h.observer,
	}
}
