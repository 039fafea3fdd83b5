// Package scheduler fires scheduled scripts on a cron cadence. Modeled on
// the teacher's robfig/cron/v3-based Scheduler (services/orchestrator/
// scheduler.go), adapted from workflow-name triggers to direct
// ScheduledTask entries with dependency gating, and from a bbolt-backed
// schedule store (persistence.go bucketSchedules) to the same pattern
// kept here rather than duplicated, since scheduled-task persistence is
// key-value (one record per named schedule) the way the teacher's
// workflow store is.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"

	"github.com/scriptguard/runner/internal/model"
)

var bucketSchedules = []byte("schedules")

// Submitter runs a scheduled script to completion and reports its terminal
// record; in production this is the engine's in-process execution path
// rather than a network call back to its own control plane. Unlike the
// HTTP control plane's fire-and-forget submission, the scheduler's
// dependency gate needs the actual outcome before it can decide whether
// downstream schedules should fire, so this blocks until the run finishes.
type Submitter interface {
	RunAndWait(ctx context.Context, req model.RunRequest) (model.RunRecord, error)
}

// Scheduler manages recurring ScheduledTask entries against a cron engine.
type Scheduler struct {
	cron      *cron.Cron
	db        *bbolt.DB
	submitter Submitter
	log       *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	tasks   map[string]model.ScheduledTask
}

// Open opens (creating if absent) the bbolt database backing schedule
// persistence at path.
func Open(path string, submitter Submitter, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduler: create bucket: %w", err)
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		db:        db,
		submitter: submitter,
		log:       log,
		entries:   make(map[string]cron.EntryID),
		tasks:     make(map[string]model.ScheduledTask),
	}, nil
}

// Start begins the cron loop and restores persisted schedules.
func (s *Scheduler) Start() error {
	if err := s.restore(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and closes the database.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.db.Close()
}

// AddSchedule registers and persists a new ScheduledTask.
func (s *Scheduler) AddSchedule(t model.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(t.Schedule, func() { s.fire(t.Name) })
	if err != nil {
		return fmt.Errorf("scheduler: parse cron expression %q: %w", t.Schedule, err)
	}
	s.entries[t.Name] = entryID
	s.tasks[t.Name] = t
	return s.persist(t)
}

// RemoveSchedule unregisters and deletes a named ScheduledTask.
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	delete(s.tasks, name)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns all currently registered schedules.
func (s *Scheduler) ListSchedules() []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok || !task.Enabled {
		return
	}

	for _, dep := range task.Dependencies {
		s.mu.Lock()
		depTask, depOK := s.tasks[dep]
		s.mu.Unlock()
		if !depOK || depTask.LastStatus != "completed" {
			s.log.Info("skipping scheduled task, dependency not satisfied", "task", name, "dependency", dep)
			return
		}
	}

	ctx := context.Background()
	rec, err := s.submitter.RunAndWait(ctx, model.RunRequest{ScriptPath: task.ScriptPath})
	s.mu.Lock()
	task.RunCount++
	if err != nil || rec.Status != model.RunCompleted {
		task.LastStatus = "failed"
		if err != nil {
			s.log.Error("scheduled task submission failed", "task", name, "error", err)
		} else {
			s.log.Info("scheduled task run did not complete", "task", name, "run_id", rec.RunID, "status", rec.Status)
		}
	} else {
		task.LastStatus = "completed"
		s.log.Info("scheduled task completed", "task", name, "run_id", rec.RunID)
	}
	s.tasks[name] = task
	s.mu.Unlock()
	_ = s.persist(task)
}

func (s *Scheduler) persist(t model.ScheduledTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("scheduler: marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(t.Name), data)
	})
}

func (s *Scheduler) restore() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var t model.ScheduledTask
			if err := json.Unmarshal(v, &t); err != nil {
				s.log.Warn("dropping unreadable schedule entry", "key", string(k), "error", err)
				return nil
			}
			entryID, err := s.cron.AddFunc(t.Schedule, func() { s.fire(t.Name) })
			if err != nil {
				s.log.Warn("dropping schedule with invalid cron expression", "task", t.Name, "error", err)
				return nil
			}
			s.entries[t.Name] = entryID
			s.tasks[t.Name] = t
			return nil
		})
	})
}
