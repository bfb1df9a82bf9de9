package simd

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

var (
	// ErrRunExists is returned when a run ID is already taken
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidRunID is returned for IDs that cannot appear in a URL path
	ErrInvalidRunID = errors.New("invalid run id")
)

// RunInput is what a client submits to start a run
type RunInput struct {
	ConfigYAML string             `json:"config_yaml,omitempty"`
	Beta       *float64           `json:"bet,omitempty"`
	ParamIndex int                `json:"param_index,omitempty"`
	Schedule   []config.EventSpec `json:"schedule,omitempty"`
	// CallbackURL receives a POST when the run reaches a terminal state.
	// {run_id} is replaced with the run ID.
	CallbackURL    string `json:"callback_url,omitempty"`
	CallbackSecret string `json:"callback_secret,omitempty"`
}

// RunRecord is the daemon's view of one run. Records handed out by the
// store are copies.
type RunRecord struct {
	Info     models.RunInfo         `json:"run"`
	Input    RunInput               `json:"-"`
	Config   *config.RunConfig      `json:"-"`
	Summary  []models.SeriesSummary `json:"-"`
	Progress Progress               `json:"progress"`
}

// Progress counts finished replicates
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

func (r *RunRecord) clone() RunRecord {
	out := *r
	if r.Info.Metadata != nil {
		out.Info.Metadata = make(map[string]string, len(r.Info.Metadata))
		for k, v := range r.Info.Metadata {
			out.Info.Metadata[k] = v
		}
	}
	out.Summary = append([]models.SeriesSummary(nil), r.Summary...)
	return out
}

// RunStore keeps run records in memory
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*RunRecord),
	}
}

// Create registers a run in the Configured state. An empty runID gets a generated one.
func (s *RunStore) Create(runID string, input RunInput, cfg *config.RunConfig) (RunRecord, error) {
	if runID == "" {
		runID = utils.GenerateRunID()
	}
	if err := utils.ValidateRunID(runID); err != nil {
		return RunRecord{}, fmt.Errorf("%w: %v", ErrInvalidRunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}

	rec := &RunRecord{
		Info: models.RunInfo{
			ID:             runID,
			Status:         models.RunStatusConfigured,
			CreatedAt:      time.Now().UTC(),
			Replicates:     cfg.Run.Replicates,
			ParamIndex:     input.ParamIndex,
			Beta:           cfg.Parameters.Beta,
			Timesteps:      cfg.Parameters.Timesteps,
			PopulationSize: cfg.Parameters.PopulationSize,
			Metadata:       map[string]string{"source": "simd"},
		},
		Input:    input,
		Config:   cfg,
		Progress: Progress{Total: cfg.Run.Replicates},
	}
	s.runs[runID] = rec
	return rec.clone(), nil
}

func (s *RunStore) Get(runID string) (RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return rec.clone(), true
}

// List returns runs newest first, optionally filtered by status
func (s *RunStore) List(limit, offset int, status models.RunStatus) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := make([]*RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if status != "" && rec.Info.Status != status {
			continue
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Info.CreatedAt.Equal(all[j].Info.CreatedAt) {
			return all[i].Info.CreatedAt.After(all[j].Info.CreatedAt)
		}
		return all[i].Info.ID < all[j].Info.ID
	})

	if offset >= len(all) {
		return []RunRecord{}
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]RunRecord, len(all))
	for i, rec := range all {
		out[i] = rec.clone()
	}
	return out
}

// SetStatus moves a run to status. Terminal runs cannot move again.
func (s *RunStore) SetStatus(runID string, status models.RunStatus, errMsg string) (RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if rec.Info.Status.IsTerminal() {
		return rec.clone(), fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, rec.Info.Status)
	}

	rec.Info.Status = status
	if errMsg != "" {
		rec.Info.Error = errMsg
	}
	switch {
	case status == models.RunStatusRunning:
		if rec.Info.StartedAt.IsZero() {
			rec.Info.StartedAt = time.Now().UTC()
		}
	case status.IsTerminal():
		rec.Info.EndedAt = time.Now().UTC()
	}
	return rec.clone(), nil
}

// SetResult records the outcome of the driver
func (s *RunStore) SetResult(runID string, failed int, summary []models.SeriesSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rec.Info.Failed = failed
	rec.Summary = append([]models.SeriesSummary(nil), summary...)
	return nil
}

// SetProgress records finished replicates
func (s *RunStore) SetProgress(runID string, done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.runs[runID]; ok {
		rec.Progress = Progress{Done: done, Total: total}
	}
}
