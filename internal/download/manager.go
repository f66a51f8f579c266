package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shepherd-project/mediadl/internal/engine"
	"github.com/shepherd-project/mediadl/internal/fsutil"
	"github.com/shepherd-project/mediadl/internal/logger"
	"github.com/shepherd-project/mediadl/internal/notify"
	"github.com/shepherd-project/mediadl/internal/storage"
)

// FirstHLSJobID is the id of the first HLS task of a Manager
const FirstHLSJobID int64 = 1000

// PermissionChecker grants storage permission
type PermissionChecker interface {
	Check(ctx context.Context) error
}

// FileChecker reports whether a completed file for fileName exists
type FileChecker interface {
	Exists(fileName string) bool
}

// Config contains manager settings
type Config struct {
	Directory string
	Channel   notify.Channel
	// PersistInterval coalesces progress writes; 0 persists every event
	PersistInterval time.Duration
}

// Dependencies are the collaborators of a Manager
type Dependencies struct {
	Plain      PlainEngine
	HLS        HLSEngine
	Store      storage.Store
	Gateway    notify.Gateway
	Alerter    notify.Alerter
	Permission PermissionChecker
	Files      FileChecker
}

// task is a live registry entry. All fields are guarded by mu.
type task struct {
	mu        sync.Mutex
	rec       Record
	state     State
	gen       uint64
	engineID  int64
	title     string
	callbacks Callbacks
	strategy  transfer
	persisted time.Time
	removed   bool
}

// Manager orchestrates download tasks
type Manager struct {
	config  Config
	plain   PlainEngine
	hls     HLSEngine
	records recordStore
	gateway notify.Gateway
	alerter notify.Alerter
	perm    PermissionChecker
	files   FileChecker
	now     func() time.Time

	mu        sync.Mutex
	tasks     map[string]*task
	nextHLSID int64

	dirOnce sync.Once
	dirErr  error
}

// NewManager creates a download manager
func NewManager(config Config, deps Dependencies) (*Manager, error) {
	if config.Directory == "" {
		return nil, errors.New("download directory is required")
	}
	if deps.Plain == nil || deps.HLS == nil {
		return nil, errors.New("both transfer engines are required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("notification gateway is required")
	}
	if config.Channel.ID == "" {
		config.Channel = notify.DefaultChannel()
	}
	if deps.Alerter == nil {
		deps.Alerter = notify.LogAlerter{}
	}

	return &Manager{
		config:    config,
		plain:     deps.Plain,
		hls:       deps.HLS,
		records:   recordStore{store: deps.Store},
		gateway:   deps.Gateway,
		alerter:   deps.Alerter,
		perm:      deps.Permission,
		files:     deps.Files,
		now:       time.Now,
		tasks:     make(map[string]*task),
		nextHLSID: FirstHLSJobID,
	}, nil
}

// RequestDownload starts (or resumes) the transfer of req.FileName and
// returns its job id. A plain transfer reports id 0 through
// OnJobIDAssigned until the engine has begun.
func (m *Manager) RequestDownload(ctx context.Context, req Request) (Result, error) {
	if req.URL == "" || req.FileName == "" || req.FileType == "" {
		return Result{}, fmt.Errorf("%w: url, fileName and fileType are required", ErrInvalidRequest)
	}
	if err := fsutil.ValidateName(req.FileName); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := fsutil.ValidateName(req.FileType); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if m.perm != nil {
		if err := m.perm.Check(ctx); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	if err := m.gateway.EnsureChannel(ctx, m.config.Channel); err != nil {
		logger.WithError(err).Warn("Failed to create notification channel")
	}
	if err := m.ensureDir(); err != nil {
		return Result{}, err
	}

	prev, err := m.records.load(ctx, req.FileName)
	if err != nil {
		logger.WithError(err).WithField("fileName", req.FileName).Warn("Ignoring persisted record")
		prev = nil
	}
	if prev != nil && prev.Canceled {
		if err := m.records.remove(ctx, req.FileName); err != nil {
			logger.WithError(err).Warn("Failed to purge canceled record")
		}
		prev = nil
	}

	if t := m.lookup(req.FileName); t != nil {
		if res, ok := m.reuse(ctx, t, req); ok {
			return res, nil
		}
	}

	if prev == nil && m.files != nil && m.files.Exists(req.FileName) {
		logger.WithField("fileName", req.FileName).Info("File already downloaded")
		req.Callbacks.alreadyDownloaded(true)
		req.Callbacks.activeChanged(false)
		return Result{AlreadyDownloaded: true}, nil
	}

	kind := KindForFileType(req.FileType)
	path := filepath.Join(m.config.Directory, req.FileName+"."+req.FileType)

	rec := Record{
		FileName: req.FileName,
		URL:      req.URL,
		Path:     path,
		Headers:  Record{Headers: req.Headers}.clone().Headers,
		Kind:     kind,
	}
	if prev != nil {
		if prev.Kind == kind && prev.Path == path {
			rec.DownloadedBytes = prev.DownloadedBytes
			rec.TotalBytes = prev.TotalBytes
			logger.WithFields(map[string]interface{}{
				"fileName":   req.FileName,
				"downloaded": humanize.IBytes(uint64(prev.DownloadedBytes)),
			}).Info("Resuming persisted download")
		} else {
			if err := m.transferFor(prev.Kind).cleanup(prev.Path); err != nil {
				logger.WithError(err).Warn("Failed to remove stale partial file")
			}
		}
	}

	t := &task{
		rec:       rec,
		state:     StateQueued,
		title:     req.Title,
		callbacks: req.Callbacks,
		strategy:  m.transferFor(kind),
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := m.register(t); existing != nil {
		t.mu.Unlock()
		res, ok := m.reuse(ctx, existing, req)
		t.mu.Lock()
		if ok {
			return res, nil
		}
		return Result{}, fmt.Errorf("%w: %s is finishing", ErrEngineStart, req.FileName)
	}
	if kind == KindHLS {
		t.rec.JobID = m.allocHLSID()
	}

	req.Callbacks.activeChanged(true)
	if kind == KindPlain {
		m.persist(ctx, t, true)
		t.callbacks.jobIDAssigned(0)
	}

	if err := m.run(t); err != nil {
		startErr := fmt.Errorf("%w: %v", ErrEngineStart, err)
		m.fail(ctx, t, startErr, err)
		return Result{}, startErr
	}
	if kind == KindHLS {
		m.persist(ctx, t, true)
		m.display(ctx, t)
		t.callbacks.jobIDAssigned(t.rec.JobID)
		return Result{JobID: t.rec.JobID}, nil
	}
	return Result{JobID: t.engineID}, nil
}

// reuse handles a request for a name that is already live. Restored tasks
// that were never started are resumed.
func (m *Manager) reuse(ctx context.Context, t *task, req Request) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return Result{}, false
	}

	if t.callbacks.empty() {
		t.callbacks = req.Callbacks
	}
	if req.Title != "" && t.title == "" {
		t.title = req.Title
	}
	// a repeated request resumes a restored or paused task
	if t.state == StateQueued || t.state == StatePaused {
		if err := m.resume(ctx, t); err != nil {
			logger.WithError(err).WithField("fileName", t.rec.FileName).Warn("Failed to resume download")
			req.Callbacks.activeChanged(false)
			return Result{JobID: t.rec.JobID, Existing: true}, true
		}
		m.persist(ctx, t, true)
		m.display(ctx, t)
	}

	req.Callbacks.activeChanged(true)
	return Result{JobID: t.rec.JobID, Existing: true}, true
}

// TogglePauseResume pauses a running task and resumes a paused or restored
// one. Unknown names are ignored.
func (m *Manager) TogglePauseResume(ctx context.Context, fileName string) error {
	t := m.lookup(fileName)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return nil
	}

	switch t.state {
	case StateRunning:
		t.strategy.stop(t)
		t.gen++
		t.state = StatePaused
		t.rec.Paused = true
		logger.WithField("fileName", fileName).Info("Download paused")
	case StatePaused, StateQueued:
		if err := m.resume(ctx, t); err != nil {
			return err
		}
		logger.WithField("fileName", fileName).Info("Download resumed")
	default:
		return nil
	}

	m.persist(ctx, t, true)
	m.display(ctx, t)
	return nil
}

// resume starts a new engine run for t. On failure the task stays paused.
func (m *Manager) resume(ctx context.Context, t *task) error {
	t.rec.Paused = false
	if err := m.run(t); err != nil {
		t.state = StatePaused
		t.rec.Paused = true
		m.persist(ctx, t, true)
		m.display(ctx, t)
		return fmt.Errorf("%w: %v", ErrEngineStart, err)
	}
	return nil
}

// CancelDownload stops and forgets the task, removing its partial file and
// persisted record. Unknown names are ignored.
func (m *Manager) CancelDownload(ctx context.Context, fileName string) error {
	t := m.lookup(fileName)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return nil
	}

	if t.state == StateRunning {
		t.strategy.stop(t)
	}
	t.gen++
	t.state = StateCanceled
	t.rec.Canceled = true
	m.persist(ctx, t, true)
	m.unregister(t)

	if err := m.gateway.Cancel(ctx, fileName); err != nil {
		logger.WithError(err).Warn("Failed to cancel notification")
	}
	if err := t.strategy.cleanup(t.rec.Path); err != nil {
		logger.WithError(err).WithField("path", t.rec.Path).Warn("Failed to remove partial file")
	}
	if err := m.records.remove(ctx, fileName); err != nil {
		logger.WithError(err).Warn("Failed to purge canceled record")
	}

	t.callbacks.activeChanged(false)
	logger.WithField("fileName", fileName).Info("Download canceled")
	return nil
}

// HandleAction applies a decoded notification action
func (m *Manager) HandleAction(ctx context.Context, action notify.Action) error {
	switch action.Kind {
	case notify.ActionToggle:
		return m.TogglePauseResume(ctx, action.FileName)
	case notify.ActionCancel:
		return m.CancelDownload(ctx, action.FileName)
	default:
		return notify.ErrUnknownAction
	}
}

// Run consumes gateway actions until ctx is done or the gateway closes
func (m *Manager) Run(ctx context.Context) error {
	actions := m.gateway.Actions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case action, ok := <-actions:
			if !ok {
				return nil
			}
			if err := m.HandleAction(ctx, action); err != nil {
				logger.WithError(err).WithField("action", action.ID()).Warn("Notification action failed")
			}
		}
	}
}

// LoadPreviousDownloads registers persisted tasks without starting them and
// re-displays the notification of every task that was not paused. Canceled
// records are purged. It returns the number of tasks restored.
func (m *Manager) LoadPreviousDownloads(ctx context.Context) (int, error) {
	records, err := m.records.list(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) > 0 {
		if err := m.gateway.EnsureChannel(ctx, m.config.Channel); err != nil {
			logger.WithError(err).Warn("Failed to create notification channel")
		}
	}

	restored := 0
	for _, rec := range records {
		if rec.Canceled {
			if err := m.transferFor(rec.Kind).cleanup(rec.Path); err != nil {
				logger.WithError(err).Warn("Failed to remove partial file")
			}
			if err := m.records.remove(ctx, rec.FileName); err != nil {
				logger.WithError(err).Warn("Failed to purge canceled record")
			}
			continue
		}

		t := &task{
			rec:      rec,
			state:    StateQueued,
			strategy: m.transferFor(rec.Kind),
		}
		if rec.Paused {
			t.state = StatePaused
		}

		t.mu.Lock()
		if m.register(t) != nil {
			t.mu.Unlock()
			continue
		}
		if rec.Kind == KindHLS {
			t.rec.JobID = m.allocHLSID()
		}
		if !rec.Paused {
			m.display(ctx, t)
		}
		t.mu.Unlock()
		restored++
	}

	logger.Infof("Restored %d download(s)", restored)
	return restored, nil
}

// Get returns a snapshot of the live task for fileName
func (m *Manager) Get(fileName string) (Snapshot, error) {
	t := m.lookup(fileName)
	if t == nil {
		return Snapshot{}, ErrTaskNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return Snapshot{}, ErrTaskNotFound
	}
	return t.snapshot(), nil
}

// List returns snapshots of all live tasks ordered by file name
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	list := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		if !t.removed {
			list = append(list, t.snapshot())
		}
		t.mu.Unlock()
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FileName < list[j].FileName })
	return list
}

func (t *task) snapshot() Snapshot {
	return Snapshot{
		JobID:           t.rec.JobID,
		FileName:        t.rec.FileName,
		URL:             t.rec.URL,
		Path:            t.rec.Path,
		Kind:            t.rec.Kind,
		State:           t.state.String(),
		DownloadedBytes: t.rec.DownloadedBytes,
		TotalBytes:      t.rec.TotalBytes,
		Percent:         notify.Percent(t.rec.DownloadedBytes, t.rec.TotalBytes),
		Paused:          t.rec.Paused,
	}
}

// run starts a new engine generation and returns the engine's start error.
// Caller holds t.mu.
func (m *Manager) run(t *task) error {
	t.gen++
	gen := t.gen
	t.state = StateRunning
	if err := t.strategy.start(t, m.sink(t, gen)); err != nil {
		t.gen++
		return err
	}
	return nil
}

func (m *Manager) sink(t *task, gen uint64) engine.Sink {
	return func(ev engine.Event) {
		m.handleEvent(t, gen, ev)
	}
}

// handleEvent applies an engine event. Events from an older generation or
// for a task that left the registry are dropped.
func (m *Manager) handleEvent(t *task, gen uint64, ev engine.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed || t.gen != gen || t.state != StateRunning {
		return
	}

	ctx := context.Background()
	switch ev.Type {
	case engine.EventBegin:
		if t.rec.Kind == KindPlain {
			t.rec.JobID = ev.JobID
			t.engineID = ev.JobID
		}
		t.applyCounters(ev)
		m.persist(ctx, t, true)
		m.display(ctx, t)
		if t.rec.Kind == KindPlain {
			t.callbacks.jobIDAssigned(ev.JobID)
		}

	case engine.EventProgress:
		t.applyCounters(ev)
		m.persist(ctx, t, false)
		m.display(ctx, t)

	case engine.EventDone:
		t.applyCounters(ev)
		m.complete(ctx, t)

	case engine.EventFailed:
		m.fail(ctx, t, fmt.Errorf("%w: %v", ErrEngineRuntime, ev.Err), ev.Err)
	}
}

// applyCounters keeps DownloadedBytes monotonic and within TotalBytes
func (t *task) applyCounters(ev engine.Event) {
	if ev.Downloaded > t.rec.DownloadedBytes {
		t.rec.DownloadedBytes = ev.Downloaded
	}
	if ev.Total > 0 {
		t.rec.TotalBytes = ev.Total
	}
	if t.rec.TotalBytes > 0 && t.rec.DownloadedBytes > t.rec.TotalBytes {
		t.rec.TotalBytes = t.rec.DownloadedBytes
	}
}

func (m *Manager) complete(ctx context.Context, t *task) {
	t.state = StateCompleted
	m.unregister(t)

	if err := m.records.remove(ctx, t.rec.FileName); err != nil {
		logger.WithError(err).Warn("Failed to remove completed record")
	}
	if err := m.gateway.Cancel(ctx, t.rec.FileName); err != nil {
		logger.WithError(err).Warn("Failed to cancel notification")
	}
	if err := m.gateway.Display(ctx, notify.CompleteNotification(m.config.Channel.ID, t.rec.FileName)); err != nil {
		logger.WithError(err).Warn("Failed to display notification")
	}

	t.callbacks.alreadyDownloaded(true)
	t.callbacks.activeChanged(false)

	logger.WithFields(map[string]interface{}{
		"fileName": t.rec.FileName,
		"size":     humanize.IBytes(uint64(t.rec.DownloadedBytes)),
	}).Info("Download complete")
}

// fail persists the task as canceled before dropping it from the registry.
// err wraps ErrEngineStart or ErrEngineRuntime; cause is the engine's error.
func (m *Manager) fail(ctx context.Context, t *task, err, cause error) {
	t.state = StateFailed
	t.rec.Canceled = true
	m.persist(ctx, t, true)
	m.unregister(t)
	t.state = StateCanceled

	if cerr := t.strategy.cleanup(t.rec.Path); cerr != nil {
		logger.WithError(cerr).WithField("path", t.rec.Path).Warn("Failed to remove partial file")
	}
	if gerr := m.gateway.Cancel(ctx, t.rec.FileName); gerr != nil {
		logger.WithError(gerr).Warn("Failed to cancel notification")
	}
	if gerr := m.gateway.Display(ctx, notify.FailedNotification(m.config.Channel.ID, t.rec.FileName)); gerr != nil {
		logger.WithError(gerr).Warn("Failed to display notification")
	}

	t.callbacks.alreadyDownloaded(false)
	t.callbacks.activeChanged(false)

	message := "Failed to download"
	if cause != nil {
		message = cause.Error()
	}
	m.alerter.Alert("Download failed", message)

	logger.WithError(err).WithField("fileName", t.rec.FileName).Error("Download failed")
}

// persist writes the task record. Progress writes are skipped while the
// persist interval has not elapsed unless force is set.
func (m *Manager) persist(ctx context.Context, t *task, force bool) {
	now := m.now()
	if !force && m.config.PersistInterval > 0 && now.Sub(t.persisted) < m.config.PersistInterval {
		return
	}
	if err := m.records.save(ctx, t.rec); err != nil {
		logger.WithError(err).WithField("fileName", t.rec.FileName).Warn("Failed to persist download")
		return
	}
	t.persisted = now
}

func (m *Manager) display(ctx context.Context, t *task) {
	n := notify.ProgressNotification(m.config.Channel.ID, t.rec.FileName, t.rec.DownloadedBytes, t.rec.TotalBytes, t.rec.Paused)
	if err := m.gateway.Display(ctx, n); err != nil {
		logger.WithError(err).Warn("Failed to display notification")
	}
}

func (m *Manager) lookup(fileName string) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[fileName]
}

// register adds t unless a task with the same name is live, in which case
// that task is returned
func (m *Manager) register(t *task) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[t.rec.FileName]; ok {
		return existing
	}
	m.tasks[t.rec.FileName] = t
	return nil
}

// unregister removes t from the registry. Caller holds t.mu.
func (m *Manager) unregister(t *task) {
	t.removed = true
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.rec.FileName] == t {
		delete(m.tasks, t.rec.FileName)
	}
}

func (m *Manager) allocHLSID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHLSID
	m.nextHLSID++
	return id
}

// ensureDir creates the download directory once
func (m *Manager) ensureDir() error {
	m.dirOnce.Do(func() {
		if err := os.MkdirAll(m.config.Directory, 0755); err != nil {
			m.dirErr = fmt.Errorf("create download directory: %w", err)
		}
	})
	return m.dirErr
}
