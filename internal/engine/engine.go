// Package engine orchestrates compression jobs over registered conversation
// logs and exposes the operations of the request surface.
package engine

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/llm"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/store"
)

// Options configures an Engine. Store, Locks and Compressor are required.
type Options struct {
	Store       manifest.Store
	Locks       lock.Manager
	Compressor  llm.Compressor
	Index       *store.DB // optional scan cache and job history
	Compression config.CompressionConfig
	Logger      logrus.FieldLogger
	Registerer  prometheus.Registerer // optional
}

// Engine serializes work per conversation with advisory locks and per
// collection with an in-process mutex around manifest read-modify-write.
type Engine struct {
	store      manifest.Store
	locks      lock.Manager
	compressor llm.Compressor
	index      *store.DB
	cfg        config.CompressionConfig
	decay      decay.Calculator
	logger     logrus.FieldLogger
	metrics    *Metrics
	now        func() time.Time
	holder     string

	mu          sync.Mutex
	collections map[string]*sync.Mutex
}

// New creates an Engine. Jobs left running by a previous process are marked
// failed.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Locks == nil || opts.Compressor == nil {
		return nil, fmt.Errorf("engine: store, locks and compressor are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// A zero config means defaults. Otherwise MaxSkipRate is taken as given,
	// since 0 is a meaningful setting.
	cfg := opts.Compression
	def := config.Default().Compression
	if cfg == (config.CompressionConfig{}) {
		cfg = def
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = def.MinMessages
	}
	if cfg.Timeout.Duration <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.LockStaleAfter.Duration <= 0 {
		cfg.LockStaleAfter = def.LockStaleAfter
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = def.DefaultLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		store:       opts.Store,
		locks:       opts.Locks,
		compressor:  opts.Compressor,
		index:       opts.Index,
		cfg:         cfg,
		decay:       decay.Default(),
		logger:      logger,
		metrics:     NewMetrics(opts.Registerer, opts.Locks),
		now:         time.Now,
		holder:      defaultHolder(),
		collections: make(map[string]*sync.Mutex),
	}
	if local, ok := opts.Locks.(*lock.Local); ok && e.metrics != nil {
		local.OnReclaim = e.metrics.lockReclaimed
	}

	if e.index != nil {
		n, err := e.index.FailRunningJobs()
		if err != nil {
			return nil, fmt.Errorf("recover job history: %w", err)
		}
		if n > 0 {
			logger.WithField("action", "job_recovery").Warnf("marked %d interrupted jobs failed", n)
		}
	}
	return e, nil
}

// SetClock replaces the time source used for record timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (e *Engine) collectionMu(collection string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.collections[collection]
	if !ok {
		mu = &sync.Mutex{}
		e.collections[collection] = mu
	}
	return mu
}

// withCollection runs fn while holding the collection's manifest mutex.
func (e *Engine) withCollection(collection string, fn func() error) error {
	mu := e.collectionMu(collection)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (e *Engine) updateManifest(collection string, fn func(*manifest.Manifest) error) (*manifest.Manifest, error) {
	var m *manifest.Manifest
	err := e.withCollection(collection, func() error {
		var err error
		m, err = e.store.Update(collection, fn)
		return err
	})
	return m, err
}

func (e *Engine) conversation(collection, id string) (*manifest.Conversation, error) {
	m, err := e.store.Load(collection)
	if err != nil {
		return nil, err
	}
	return m.Conversation(id)
}

func (e *Engine) acquire(collection, conversationID string, op lock.Op, holder string) (lock.Lock, error) {
	if holder == "" {
		holder = e.holder
	}
	key := lock.Key{Collection: collection, Conversation: conversationID, Op: op}
	return e.locks.Acquire(key, holder, e.cfg.LockStaleAfter.Duration)
}

// acquireAll takes the locks in order, releasing what it took on failure.
func (e *Engine) acquireAll(collection, conversationID, holder string, ops ...lock.Op) ([]lock.Lock, error) {
	held := make([]lock.Lock, 0, len(ops))
	for _, op := range ops {
		lk, err := e.acquire(collection, conversationID, op, holder)
		if err != nil {
			e.releaseAll(held)
			return nil, err
		}
		held = append(held, lk)
	}
	return held, nil
}

func (e *Engine) release(lk lock.Lock) {
	if err := e.locks.Release(lk.Token); err != nil {
		e.logger.WithField("action", "lock_release").
			WithField("key", lk.Key.String()).
			WithError(err).
			Warn("lock was reclaimed before release")
	}
}

func (e *Engine) releaseAll(held []lock.Lock) {
	for i := len(held) - 1; i >= 0; i-- {
		e.release(held[i])
	}
}

// job tracks one orchestrator run in the job history and metrics.
type job struct {
	e     *Engine
	op    string
	rec   *store.Job
	start time.Time
}

func (e *Engine) startJob(op, collection, conversationID string, part int) *job {
	j := &job{e: e, op: op, start: time.Now()}
	if e.index == nil {
		return j
	}
	rec, err := e.index.StartJob(op, collection, conversationID, part)
	if err != nil {
		e.logger.WithField("action", "job_record").WithError(err).Warn("could not record job start")
		return j
	}
	j.rec = rec
	return j
}

// finish records the outcome. Errors raised before the compressor was
// consulted (busy, bad input, unknown resources) count as rejected.
func (j *job) finish(err error, d *manifest.Derivative) {
	status := store.JobSucceeded
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.Conflict, apperr.InvalidInput, apperr.NotFound:
			status = store.JobRejected
		default:
			status = store.JobFailed
		}
	}
	j.e.metrics.observeJob(j.op, status, time.Since(j.start))

	log := j.e.logger.WithField("action", j.op).WithField("status", status)
	if err != nil {
		log = log.WithError(err).WithField("code", apperr.CodeOf(err))
	}
	if d != nil {
		log = log.WithField("version", d.VersionID).WithField("part", d.PartNumber)
	}
	log.WithField("took", time.Since(j.start).String()).Info("job finished")

	if j.rec == nil {
		return
	}
	var versionID, code, text string
	part := j.rec.PartNumber
	if d != nil {
		versionID = d.VersionID
		part = d.PartNumber
	}
	if err != nil {
		code = apperr.CodeOf(err)
		text = err.Error()
	}
	if ferr := j.e.index.FinishJob(j.rec.ID, status, versionID, part, code, text); ferr != nil {
		j.e.logger.WithField("action", "job_record").WithError(ferr).Warn("could not record job outcome")
	}
}
