package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
)

const (
	stateFileName = "workflow.json"
	lockFileName  = "workflow.lock"
	dirMode       = 0o700
	fileMode      = 0o600

	instrumentationName = "github.com/chkim-su/forge2/internal/workflow"
)

// errConflict signals that the on-disk revision moved between read and
// commit. It is retried and never returned to callers.
var errConflict = errors.New("revision conflict")

// Archiver keeps a copy of a workflow record that is leaving the live store.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, st *State, outcome string) error
}

// Publisher receives a notification after every committed mutation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Event describes one committed mutation.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	WorkflowID string    `json:"workflow_id"`
	Kind       Kind      `json:"workflow_kind"`
	Phase      string    `json:"phase,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Revision   int64     `json:"revision"`
	At         time.Time `json:"at"`
}

// Event types.
const (
	EventInitialized  = "initialized"
	EventContextSet   = "context_set"
	EventFileRecorded = "file_recorded"
	EventAdvanced     = "phase_advanced"
	EventCompleted    = "workflow_completed"
	EventFailed       = "phase_failed"
	EventRetried      = "phase_retried"
	EventReset        = "reset"
	EventFinished     = "finished"
)

// Config configures a Store.
type Config struct {
	// Dir is the root state directory; each session gets a subdirectory.
	Dir            string
	SessionID      string
	LockAttempts   int
	LockBackoff    time.Duration
	LockMaxBackoff time.Duration
}

// DefaultConfig returns store settings for dir and session.
func DefaultConfig(dir, sessionID string) Config {
	return Config{
		Dir:            dir,
		SessionID:      sessionID,
		LockAttempts:   8,
		LockBackoff:    25 * time.Millisecond,
		LockMaxBackoff: 400 * time.Millisecond,
	}
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithArchiver archives records removed by Reset and Finish.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithPublisher publishes committed mutations.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(s *Store) { s.meter = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the durable single-document record of one session's workflow.
//
// Reads are lock-free; the record is always replaced by rename so a reader
// sees either the previous or the next revision. Every mutation holds an
// exclusive file lock for its read-modify-write and nothing else.
type Store struct {
	dir     string
	session string
	backoff backoff

	logger    *logging.Logger
	archiver  Archiver
	publisher Publisher
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   *storeMetrics
	now       func() time.Time
}

// NewStore creates a store for cfg.SessionID under cfg.Dir.
func NewStore(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: state directory is required", ErrInvalidInput)
	}
	if err := logging.ValidateID(cfg.SessionID, "session id"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if cfg.LockAttempts < 1 {
		cfg.LockAttempts = 1
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = 25 * time.Millisecond
	}
	if cfg.LockMaxBackoff < cfg.LockBackoff {
		cfg.LockMaxBackoff = cfg.LockBackoff
	}

	s := &Store{
		dir:     filepath.Join(cfg.Dir, cfg.SessionID),
		session: cfg.SessionID,
		backoff: backoff{attempts: cfg.LockAttempts, base: cfg.LockBackoff, max: cfg.LockMaxBackoff},
		logger:  logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	if s.meter == nil {
		s.meter = otel.Meter(instrumentationName)
	}
	m, err := newStoreMetrics(s.meter)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	s.logger = s.logger.Named("workflow")
	return s, nil
}

// SessionID returns the session this store serves.
func (s *Store) SessionID() string { return s.session }

// Path returns the location of the persisted record.
func (s *Store) Path() string { return filepath.Join(s.dir, stateFileName) }

func (s *Store) lockPath() string { return filepath.Join(s.dir, lockFileName) }

// Get returns the live record, or ErrNoWorkflow.
func (s *Store) Get(ctx context.Context) (*State, error) {
	st, err := s.load()
	if err != nil {
		return nil, newError("get", err)
	}
	if st == nil {
		return nil, newError("get", ErrNoWorkflow)
	}
	return st, nil
}

// Init starts a workflow of kind. The first phase becomes in_progress.
func (s *Store) Init(ctx context.Context, kind Kind, initial map[string]string) (*State, error) {
	def, ok := Lookup(kind)
	if !ok {
		return nil, newError("init", fmt.Errorf("%w: %q", ErrUnknownKind, kind))
	}

	return s.mutate(ctx, "init", EventInitialized, func(cur *State) (*State, string, error) {
		if cur != nil {
			return nil, "", ErrAlreadyInitialized
		}
		now := s.now().UTC()
		st := &State{
			ID:             uuid.NewString(),
			Kind:           kind,
			Phases:         newPhases(def),
			Context:        make(map[string]string, len(initial)),
			GeneratedFiles: []string{},
			CreatedAt:      now,
		}
		for k, v := range initial {
			st.Context[k] = v
		}
		return st, string(kind), nil
	})
}

// SetContext records a decision. Existing keys are overwritten.
func (s *Store) SetContext(ctx context.Context, key, value string) (*State, error) {
	if key == "" {
		return nil, newError("set_context", fmt.Errorf("%w: context key is required", ErrInvalidInput))
	}
	return s.mutate(ctx, "set_context", EventContextSet, func(cur *State) (*State, string, error) {
		if cur == nil {
			return nil, "", ErrNoWorkflow
		}
		cur.Context[key] = value
		return cur, key, nil
	})
}

// AppendFile records a generated artifact path. A path already recorded
// fails with ErrDuplicateArtifact and leaves the record unchanged.
func (s *Store) AppendFile(ctx context.Context, path string) (*State, error) {
	if path == "" {
		return nil, newError("append_file", fmt.Errorf("%w: path is required", ErrInvalidInput))
	}
	path = filepath.Clean(path)
	return s.mutate(ctx, "append_file", EventFileRecorded, func(cur *State) (*State, string, error) {
		if cur == nil {
			return nil, "", ErrNoWorkflow
		}
		if cur.HasFile(path) {
			return nil, "", fmt.Errorf("%w: %s", ErrDuplicateArtifact, path)
		}
		cur.GeneratedFiles = append(cur.GeneratedFiles, path)
		return cur, path, nil
	})
}

// AdvancePhase completes the current in-progress phase and starts the next.
func (s *Store) AdvancePhase(ctx context.Context) (*State, error) {
	return s.advance(ctx, "advance_phase", "")
}

// AdvanceFrom advances only if phase is the current phase. A caller acting
// on an old observation gets ErrStalePhase instead of advancing a later
// phase.
func (s *Store) AdvanceFrom(ctx context.Context, phase string) (*State, error) {
	if phase == "" {
		return nil, newError("advance_from", fmt.Errorf("%w: phase is required", ErrInvalidInput))
	}
	return s.advance(ctx, "advance_from", phase)
}

func (s *Store) advance(ctx context.Context, op, expected string) (*State, error) {
	return s.mutate(ctx, op, EventAdvanced, func(cur *State) (*State, string, error) {
		if cur == nil {
			return nil, "", ErrNoActivePhase
		}
		i := cur.Current()
		if i < 0 {
			return nil, "", ErrNoActivePhase
		}
		if expected != "" && cur.Phases[i].Name != expected {
			return nil, "", fmt.Errorf("%w: expected %q, current is %q", ErrStalePhase, expected, cur.Phases[i].Name)
		}
		if cur.Phases[i].Status != StatusInProgress {
			return nil, "", fmt.Errorf("%w: phase %q is %s", ErrNoActivePhase, cur.Phases[i].Name, cur.Phases[i].Status)
		}
		cur.Phases[i].Status = StatusCompleted
		if i+1 < len(cur.Phases) {
			cur.Phases[i+1].Status = StatusInProgress
		}
		return cur, cur.Phases[i].Name, nil
	})
}

// FailPhase marks the current phase failed with reason.
func (s *Store) FailPhase(ctx context.Context, reason string) (*State, error) {
	return s.mutate(ctx, "fail_phase", EventFailed, func(cur *State) (*State, string, error) {
		if cur == nil {
			return nil, "", ErrNoActivePhase
		}
		i := cur.Current()
		if i < 0 || cur.Phases[i].Status != StatusInProgress {
			return nil, "", ErrNoActivePhase
		}
		cur.Phases[i].Status = StatusFailed
		cur.Phases[i].Reason = reason
		return cur, cur.Phases[i].Name, nil
	})
}

// RetryPhase returns a failed current phase to in_progress.
func (s *Store) RetryPhase(ctx context.Context) (*State, error) {
	return s.mutate(ctx, "retry_phase", EventRetried, func(cur *State) (*State, string, error) {
		if cur == nil {
			return nil, "", ErrNoActivePhase
		}
		i := cur.Current()
		if i < 0 || cur.Phases[i].Status != StatusFailed {
			return nil, "", ErrNoActivePhase
		}
		cur.Phases[i].Status = StatusInProgress
		cur.Phases[i].Reason = ""
		return cur, cur.Phases[i].Name, nil
	})
}

// Reset removes the live record, archiving it first when an archiver is
// configured. It reports whether a record existed.
func (s *Store) Reset(ctx context.Context) (bool, error) {
	removed, err := s.remove(ctx, "reset", EventReset, func(cur *State) error { return nil })
	if err != nil {
		return false, err
	}
	return removed != nil, nil
}

// Finish archives and removes a terminal-complete record. Only the exit
// gate path calls this, after it has allowed termination.
func (s *Store) Finish(ctx context.Context) (*State, error) {
	removed, err := s.remove(ctx, "finish", EventFinished, func(cur *State) error {
		if cur == nil {
			return ErrNoWorkflow
		}
		if !cur.Complete() {
			return fmt.Errorf("%w: outstanding phases %v", ErrNotComplete, cur.Outstanding())
		}
		return nil
	})
	return removed, err
}

// mutation transforms the current record. It returns the next record and a
// detail string for the emitted event.
type mutation func(cur *State) (*State, string, error)

// mutate runs fn under the lock and commits its result.
func (s *Store) mutate(ctx context.Context, op, eventType string, fn mutation) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
		attribute.String("session.id", s.session),
	))
	defer span.End()

	var (
		next   *State
		detail string
	)
	err := s.withLock(ctx, op, func() error {
		cur, err := s.load()
		if err != nil {
			return err
		}
		var base int64
		if cur != nil {
			base = cur.Revision
			cur = cur.Clone()
		}
		next, detail, err = fn(cur)
		if err != nil {
			return err
		}
		next.Revision = base + 1
		next.UpdatedAt = s.now().UTC()
		return s.commit(base, next)
	})
	s.record(ctx, span, op, err)
	if err != nil {
		return nil, newError(op, err)
	}

	span.SetAttributes(attribute.Int64("workflow.revision", next.Revision))
	ctx = logging.WithWorkflow(ctx, next.ID, currentName(next))
	s.logger.Debug(ctx, "workflow state committed",
		zap.String("op", op),
		zap.Int64("revision", next.Revision),
	)
	s.publish(ctx, eventType, next, detail)
	return next.Clone(), nil
}

// remove deletes the live record after check approves it, then archives
// the removed copy outside the lock.
func (s *Store) remove(ctx context.Context, op, eventType string, check func(cur *State) error) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
		attribute.String("session.id", s.session),
	))
	defer span.End()

	var removed *State
	err := s.withLock(ctx, op, func() error {
		cur, err := s.load()
		if err != nil && !errors.Is(err, ErrCorrupted) {
			return err
		}
		if err := check(cur); err != nil {
			return err
		}
		removed = cur
		if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", ErrIOFailure, s.Path(), err)
		}
		return nil
	})
	s.record(ctx, span, op, err)
	if err != nil {
		return nil, newError(op, err)
	}
	if removed == nil {
		return nil, nil
	}

	ctx = logging.WithWorkflow(ctx, removed.ID, currentName(removed))
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, s.session, removed, op); err != nil {
			s.logger.Warn(ctx, "failed to archive workflow", zap.String("op", op), zap.Error(err))
		}
	}
	s.publish(ctx, eventType, removed, op)
	return removed, nil
}

// withLock runs fn while holding the session lock. Revision conflicts are
// retried within the same attempt budget as lock contention.
func (s *Store) withLock(ctx context.Context, op string, fn func() error) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("%w: create state dir: %v", ErrIOFailure, err)
	}

	for attempt := 0; ; attempt++ {
		start := s.now()
		lock, err := acquireLock(ctx, s.lockPath(), s.backoff)
		s.metrics.lockWait.Record(ctx, float64(s.now().Sub(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", op)))
		if err != nil {
			return err
		}

		err = fn()
		if relErr := lock.release(); relErr != nil {
			s.logger.Warn(ctx, "failed to release workflow lock", zap.Error(relErr))
		}
		if !errors.Is(err, errConflict) {
			return err
		}
		if attempt+1 >= s.backoff.attempts {
			return fmt.Errorf("%w: revision kept changing during %s", ErrBusy, op)
		}
		s.logger.Trace(ctx, "revision conflict, retrying", zap.Int("attempt", attempt+1))
	}
}

// load reads the live record. A missing file yields (nil, nil).
func (s *Store) load() (*State, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrIOFailure, s.Path(), err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if err := st.validate(); err != nil {
		return nil, err
	}
	if st.Context == nil {
		st.Context = map[string]string{}
	}
	if st.GeneratedFiles == nil {
		st.GeneratedFiles = []string{}
	}
	return &st, nil
}

// commit writes next if the on-disk revision still equals base. The write
// goes to a temp file in the same directory which is then renamed over the
// record, so a crash leaves the previous revision intact.
func (s *Store) commit(base int64, next *State) error {
	onDisk, err := s.load()
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}
	var diskRev int64
	if onDisk != nil {
		diskRev = onDisk.Revision
	}
	if diskRev != base {
		return errConflict
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", ErrIOFailure, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".workflow-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrIOFailure, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", ErrIOFailure, err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: chmod temp file: %v", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync temp file: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp file: %v", ErrIOFailure, err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename state file: %v", ErrIOFailure, err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(Classify(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (s *Store) publish(ctx context.Context, eventType string, st *State, detail string) {
	if s.publisher == nil {
		return
	}
	typ := eventType
	if eventType == EventAdvanced && st.Complete() {
		typ = EventCompleted
	}
	ev := Event{
		Type:       typ,
		SessionID:  s.session,
		WorkflowID: st.ID,
		Kind:       st.Kind,
		Phase:      currentName(st),
		Detail:     detail,
		Revision:   st.Revision,
		At:         s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "failed to publish workflow event", zap.String("type", typ), zap.Error(err))
	}
}

func currentName(st *State) string {
	if p, ok := st.CurrentPhase(); ok {
		return p.Name
	}
	return ""
}
