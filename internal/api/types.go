package api

import (
	"time"

	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

// TuneRequest asks the service to tune one matmul shape for a target.
type TuneRequest struct {
	Shape matmul.Spec `json:"shape"`
	// Arch names a preset from /v1/archs. Empty means the serving host.
	Arch string `json:"arch,omitempty"`
	TopK int    `json:"top_k,omitempty"`
	// UseCache reuses a cached schedule when one exists. Defaults to true.
	UseCache      *bool `json:"use_cache,omitempty"`
	IncludeSource bool  `json:"include_source,omitempty"`
}

// CandidateResult is one measured schedule in a session.
type CandidateResult struct {
	Index     int             `json:"index"`
	Schedule  kernel.Schedule `json:"schedule"`
	Score     float64         `json:"score,omitempty"`
	Baseline  bool            `json:"baseline,omitempty"`
	LatencyNS int64           `json:"latency_ns,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session is the stored summary of one tune request.
type Session struct {
	ID         string            `json:"id"`
	Object     string            `json:"object"`
	CreatedAt  int64             `json:"created_at"`
	Status     string            `json:"status"`
	Template   string            `json:"template"`
	Arch       string            `json:"arch"`
	Shape      matmul.Spec       `json:"shape"`
	Cached     bool              `json:"cached"`
	Best       *CandidateResult  `json:"best,omitempty"`
	Baseline   *CandidateResult  `json:"baseline,omitempty"`
	Candidates []CandidateResult `json:"candidates,omitempty"`
	Failed     int               `json:"failed"`
	ElapsedMS  float64           `json:"elapsed_ms"`
	Source     string            `json:"source,omitempty"`
	Error      *ResponseError    `json:"error,omitempty"`
}

type ListResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func newList[T any](data []T) ListResponse[T] {
	if data == nil {
		data = []T{}
	}
	return ListResponse[T]{Object: "list", Data: data}
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

func candidateResult(r *tuner.Result) *CandidateResult {
	if r == nil {
		return nil
	}
	out := &CandidateResult{
		Index:    r.Index,
		Schedule: r.Candidate.Schedule,
		Score:    r.Candidate.Score,
		Baseline: r.Baseline,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	} else {
		out.LatencyNS = int64(r.Latency)
	}
	return out
}

func elapsedMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
