package queue

import (
	"context"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

// JobStore is the durable backing for job rows — the source of truth
// the in-memory channel in Queue is only a work-availability signal
// for. A crash loses the channel's contents but never a row: on
// restart, Queue.Start calls ListRedeliverable and re-feeds every row
// still Pending or Leased.
type JobStore interface {
	Save(ctx context.Context, job *JobItem) error
	UpdateStatus(ctx context.Context, id string, status JobStatus) error
	Delete(ctx context.Context, id string) error
	ListRedeliverable(ctx context.Context) ([]*JobItem, error)
}

// MemoryJobStore is an in-process JobStore. It offers no crash safety
// of its own (a process restart loses the map along with the
// in-memory Queue channel) — it exists for tests and for the
// standalone/embedded mode the teacher's SDK examples demonstrate.
// Tests simulate a restart by sharing one MemoryJobStore between an
// abandoned Queue and a fresh one in the same process.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*JobItem
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*JobItem)}
}

func (s *MemoryJobStore) Save(_ context.Context, job *JobItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
	}
	return nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) ListRedeliverable(_ context.Context) ([]*JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobItem
	for _, j := range s.jobs {
		if j.Status == StatusPending || j.Status == StatusLeased {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// jobRowModel is the bun-mapped row for BunJobStore, following the
// teacher's bun_store.go model-tagging convention.
type jobRowModel struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID                string    `bun:"id,pk"`
	ExecutionID       string    `bun:"execution_id"`
	NodeID            string    `bun:"node_id"`
	Input             any       `bun:"input,type:jsonb"`
	Attempt           int       `bun:"attempt"`
	AttemptsRemaining int       `bun:"attempts_remaining"`
	EnqueuedAt        time.Time `bun:"enqueued_at"`
	AvailableAt       time.Time `bun:"available_at"`
	Status            string    `bun:"status"`
}

// BunJobStore is the Postgres-backed JobStore, sharing the database
// BunStore uses for workflows/executions. Grounded on the teacher's
// bun_store.go upsert-in-transaction pattern.
type BunJobStore struct {
	db *bun.DB
}

func NewBunJobStore(db *bun.DB) *BunJobStore {
	return &BunJobStore{db: db}
}

func (s *BunJobStore) InitSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*jobRowModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func toJobRow(j *JobItem) *jobRowModel {
	return &jobRowModel{
		ID:                j.ID,
		ExecutionID:       j.ExecutionID,
		NodeID:            j.NodeID,
		Input:             j.Input,
		Attempt:           j.Attempt,
		AttemptsRemaining: j.AttemptsRemaining,
		EnqueuedAt:        j.EnqueuedAt,
		AvailableAt:       j.AvailableAt,
		Status:            string(j.Status),
	}
}

func (m *jobRowModel) toJob() *JobItem {
	return &JobItem{
		ID:                m.ID,
		ExecutionID:       m.ExecutionID,
		NodeID:            m.NodeID,
		Input:             m.Input,
		Attempt:           m.Attempt,
		AttemptsRemaining: m.AttemptsRemaining,
		EnqueuedAt:        m.EnqueuedAt,
		AvailableAt:       m.AvailableAt,
		Status:            JobStatus(m.Status),
	}
}

func (s *BunJobStore) Save(ctx context.Context, job *JobItem) error {
	model := toJobRow(job)
	_, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (id) DO UPDATE").
		Set("attempt = EXCLUDED.attempt").
		Set("attempts_remaining = EXCLUDED.attempts_remaining").
		Set("available_at = EXCLUDED.available_at").
		Set("status = EXCLUDED.status").
		Exec(ctx)
	return err
}

func (s *BunJobStore) UpdateStatus(ctx context.Context, id string, status JobStatus) error {
	_, err := s.db.NewUpdate().
		Model((*jobRowModel)(nil)).
		Set("status = ?", string(status)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *BunJobStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*jobRowModel)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *BunJobStore) ListRedeliverable(ctx context.Context) ([]*JobItem, error) {
	var rows []jobRowModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("status = ? OR status = ?", string(StatusPending), string(StatusLeased)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*JobItem, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out, nil
}
