// Package tasktree tracks units of work organized into trees rooted at
// master tasks: progress roll-ups, activity and velocity scoring, atomic bulk
// mutations with a preview step, and a permanent audit trail. This package is
// the assembled surface; the engines live in internal/ and can be composed
// directly in tests.
package tasktree

import (
	"time"

	"tasktree/internal/activity"
	"tasktree/internal/audit"
	"tasktree/internal/classify"
	"tasktree/internal/config"
	"tasktree/internal/hierarchy"
	"tasktree/internal/mutate"
	"tasktree/internal/storage"
	"tasktree/internal/task"
)

// Service wires the task store, aggregator, activity engine, mutation engine,
// and audit log over one SQLite database.
type Service struct {
	store *storage.Store
	agg   *hierarchy.Aggregator
	acts  *activity.Engine
	mut   *mutate.Engine
	log   *audit.Log
}

// Open builds a Service from configuration. Use config.Default() for an
// out-of-the-box setup, or config.Load to layer a file and environment on top.
func Open(cfg config.Config) (*Service, error) {
	store, err := storage.Open(cfg.StorePath, storage.Options{
		WarnAfter:  cfg.WarnAfter,
		StaleAfter: cfg.StaleAfter,
	})
	if err != nil {
		return nil, err
	}
	log := audit.NewLog(store.DB())
	return &Service{
		store: store,
		agg:   hierarchy.New(store),
		acts: activity.New(store, log, activity.Options{
			WarnAfter:   cfg.WarnAfter,
			StaleAfter:  cfg.StaleAfter,
			Epsilon:     cfg.VelocityEpsilon,
			HealthBonus: cfg.HealthBonus,
		}),
		mut: mutate.New(store),
		log: log,
	}, nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	return s.store.Close()
}

// Task store operations.

func (s *Service) Create(p storage.CreateParams) (task.Task, error) {
	return s.store.Create(p)
}

func (s *Service) Get(id string) (task.Task, error) {
	return s.store.Get(id)
}

func (s *Service) UpdateStatus(id string, status task.TaskStatus, reason, actor string) (task.Task, error) {
	return s.store.UpdateStatus(id, status, reason, actor)
}

func (s *Service) UpdatePriority(id string, priority task.TaskPriority, actor string) (task.Task, error) {
	return s.store.UpdatePriority(id, priority, actor)
}

func (s *Service) AddTags(id string, tags []string, actor string) (task.Task, error) {
	return s.store.AddTags(id, tags, actor)
}

func (s *Service) List(f task.ListFilters, page task.PageRequest) (task.Page, error) {
	return s.store.List(f, page)
}

// Hierarchy operations.

func (s *Service) Completion(id string) (task.Completion, error) {
	return s.agg.Completion(id)
}

func (s *Service) Tree(id string, maxDepth int) (*task.TreeNode, error) {
	return s.agg.Tree(id, maxDepth)
}

// Classify scores free text for master-task-ness. Pure and deterministic.
func (s *Service) Classify(text string) classify.Result {
	return classify.Classify(text)
}

// Activity operations.

func (s *Service) ActivityState(t task.Task) task.ActivityState {
	return s.acts.State(t)
}

func (s *Service) Velocity(masterID string, window time.Duration) (activity.VelocityResult, bool, error) {
	return s.acts.Velocity(masterID, window)
}

// Portfolio assembles every non-archived master with its current roll-up.
func (s *Service) Portfolio() ([]activity.PortfolioItem, error) {
	ids, err := s.store.IDs(task.ListFilters{Type: task.TypeMaster})
	if err != nil {
		return nil, err
	}
	items := make([]activity.PortfolioItem, 0, len(ids))
	for _, id := range ids {
		m, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		c, err := s.agg.Completion(id)
		if err != nil {
			return nil, err
		}
		items = append(items, activity.PortfolioItem{Master: m, Completion: c})
	}
	return items, nil
}

// HealthScore reduces the current portfolio to a 0-100 number.
func (s *Service) HealthScore() (float64, error) {
	items, err := s.Portfolio()
	if err != nil {
		return 0, err
	}
	return s.acts.HealthScore(items), nil
}

// RecommendedNext picks the master most in need of attention, or nil when the
// portfolio is empty.
func (s *Service) RecommendedNext() (*task.Task, error) {
	items, err := s.Portfolio()
	if err != nil {
		return nil, err
	}
	return s.acts.RecommendedNext(items), nil
}

// Bulk mutation operations. All follow the preview/confirm protocol and abort
// whole batches on any invalid target.

func (s *Service) BulkUpdateStatus(ids []string, status task.TaskStatus, note, actor string, confirm bool) (*mutate.Result, error) {
	return s.mut.BulkUpdateStatus(ids, status, note, actor, confirm)
}

func (s *Service) BulkUpdatePriority(ids []string, priority task.TaskPriority, actor string, confirm bool) (*mutate.Result, error) {
	return s.mut.BulkUpdatePriority(ids, priority, actor, confirm)
}

func (s *Service) BulkAddTags(ids []string, tags []string, actor string, confirm bool) (*mutate.Result, error) {
	return s.mut.BulkAddTags(ids, tags, actor, confirm)
}

func (s *Service) Archive(ids []string, filter *task.ListFilters, dryRun bool, actor string) (*mutate.Result, error) {
	return s.mut.Archive(ids, filter, dryRun, actor)
}

func (s *Service) Unarchive(ids []string, actor string, confirm bool) (*mutate.Result, error) {
	return s.mut.Unarchive(ids, actor, confirm)
}

// Audit queries.

func (s *Service) History(taskID string) ([]task.HistoryEntry, error) {
	return s.log.ByTask(taskID)
}

func (s *Service) HistoryRange(from, to time.Time) ([]task.HistoryEntry, error) {
	return s.log.Range(from, to)
}
