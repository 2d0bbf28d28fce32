package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/operator"
	"github.com/samcharles93/kerneltune/internal/schedcache"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

const (
	DefaultTopK = 20
	MaxTopK     = 256
)

type TuneServiceConfig struct {
	Compiler kernel.Compiler
	// Cache is optional. When set, winners are written back after each
	// session.
	Cache *schedcache.Cache
	Tuner tuner.Config
	// Arch is used when a request names none.
	Arch string
	TopK int
}

// TuneService runs tune requests one operator at a time.
type TuneService struct {
	cfg TuneServiceConfig
	// saveMu orders cache writes so concurrent sessions never interleave a
	// Put with another session's Save.
	saveMu sync.Mutex
}

func NewTuneService(cfg TuneServiceConfig) *TuneService {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &TuneService{cfg: cfg}
}

func (s *TuneService) Cache() *schedcache.Cache { return s.cfg.Cache }

// Tune validates req, tunes or recovers a schedule and returns the session
// summary. A shape with no viable schedule is reported as a failed session,
// not an error. Errors wrapping ErrInvalidRequest are caller mistakes.
func (s *TuneService) Tune(ctx context.Context, req *TuneRequest) (*Session, error) {
	start := time.Now()
	cfg, err := req.Shape.Config()
	if err != nil {
		return nil, invalidShape(err)
	}
	archName := req.Arch
	if archName == "" {
		archName = s.cfg.Arch
	}
	target, err := arch.Lookup(archName)
	if err != nil {
		return nil, unknownArch(err)
	}
	topK := req.TopK
	switch {
	case topK == 0:
		topK = s.cfg.TopK
	case topK < 0 || topK > MaxTopK:
		return nil, topKOutOfRange(topK)
	}

	opts := []operator.Option{operator.WithArch(target), operator.WithTunerConfig(s.cfg.Tuner)}
	if s.cfg.Compiler != nil {
		opts = append(opts, operator.WithCompiler(s.cfg.Compiler))
	}
	op, err := operator.New(ctx, cfg, opts...)
	if err != nil {
		if errors.Is(err, matmul.ErrConfiguration) {
			return nil, invalidShape(err)
		}
		return nil, err
	}
	defer op.Close()

	sess := &Session{
		Object:    "tune.session",
		CreatedAt: start.Unix(),
		Status:    StatusCompleted,
		Template:  op.Template().String(),
		Arch:      target.Name,
		Shape:     matmul.SpecOf(cfg),
	}
	log := logger.FromContext(ctx).With("template", op.Name(), "arch", target.Name)

	useCache := s.cfg.Cache != nil && (req.UseCache == nil || *req.UseCache)
	if useCache {
		if ok := s.applyCached(ctx, op, target, sess); ok {
			sess.ElapsedMS = elapsedMS(time.Since(start))
			if req.IncludeSource {
				sess.Source = op.Source()
			}
			return sess, nil
		}
	}

	rep, err := op.HardwareAwareFinetune(ctx, topK)
	defer rep.Release()
	sess.ID = rep.SessionID.String()
	if rep.SessionID == uuid.Nil {
		sess.ID = uuid.NewString()
	}
	sess.Best = candidateResult(rep.Best)
	sess.Baseline = candidateResult(rep.Baseline)
	for i := range rep.Results {
		r := candidateResult(&rep.Results[i])
		if r.Error != "" {
			sess.Failed++
		}
		sess.Candidates = append(sess.Candidates, *r)
	}
	sess.ElapsedMS = elapsedMS(time.Since(start))
	if err != nil {
		if !errors.Is(err, tuner.ErrNoViableSchedule) {
			return nil, err
		}
		sess.Status = StatusFailed
		sess.Error = &ResponseError{Message: err.Error(), Type: "tuning_error", Code: "no_viable_schedule"}
		return sess, nil
	}

	if s.cfg.Cache != nil && rep.Best != nil {
		s.saveMu.Lock()
		s.cfg.Cache.Put(cfg, target.Name, rep.Best.Candidate.Schedule, rep.Best.Latency, sess.ID)
		if err := s.cfg.Cache.Save(); err != nil {
			log.Warn("failed to save schedule cache", "path", s.cfg.Cache.Path(), "error", err)
		}
		s.saveMu.Unlock()
	}
	if req.IncludeSource {
		sess.Source = op.Source()
	}
	return sess, nil
}

// applyCached installs a cached schedule and re-measures it. A stale entry
// that no longer builds is dropped and the caller falls back to tuning.
func (s *TuneService) applyCached(ctx context.Context, op *operator.Matmul, target arch.Descriptor, sess *Session) bool {
	entry, ok := s.cfg.Cache.Get(op.Config(), target.Name)
	if !ok {
		return false
	}
	log := logger.FromContext(ctx).With("template", op.Name(), "arch", target.Name)
	if err := op.ApplySchedule(ctx, entry.Schedule); err != nil {
		log.Warn("cached schedule no longer builds, retuning", "schedule", entry.Schedule.String(), "error", err)
		s.saveMu.Lock()
		s.cfg.Cache.Delete(op.Config(), target.Name)
		s.saveMu.Unlock()
		return false
	}
	best := &CandidateResult{Schedule: entry.Schedule, LatencyNS: entry.LatencyNS}
	if d, err := op.Profile(ctx); err == nil {
		best.LatencyNS = int64(d)
	} else {
		log.Debug("profiling cached schedule failed, reporting cached latency", "error", err)
	}
	sess.ID = uuid.NewString()
	sess.Cached = true
	sess.Best = best
	return true
}
