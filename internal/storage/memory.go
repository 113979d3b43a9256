package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryRepository keeps chunks in process memory. It is the reference backend used by
// tests and by the exact search path.
type MemoryRepository struct {
	mu        sync.RWMutex
	dimension int
	chunks    map[string]*memEntry
	byDoc     map[string]map[string]struct{}
	seq       uint64
	closed    bool
}

type memEntry struct {
	chunk *Chunk
	seq   uint64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository for vectors of the given dimension.
func NewMemoryRepository(dimension int) (*MemoryRepository, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	return &MemoryRepository{
		dimension: dimension,
		chunks:    make(map[string]*memEntry),
		byDoc:     make(map[string]map[string]struct{}),
	}, nil
}

func (r *MemoryRepository) Dimension() int { return r.dimension }

func (r *MemoryRepository) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, chunks []*Chunk) (*UpsertReport, error) {
	report := &UpsertReport{}
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := Validate(c, r.dimension); err != nil {
			report.fail(chunkID(c), err)
			continue
		}
		if err := r.put(c.Clone(), false); err != nil {
			report.fail(c.ID, err)
			continue
		}
		report.Written = append(report.Written, c.ID)
	}
	return report, nil
}

func (r *MemoryRepository) Insert(ctx context.Context, c *Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(c, r.dimension); err != nil {
		return err
	}
	return r.put(c.Clone(), true)
}

func (r *MemoryRepository) put(c *Chunk, exclusive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	existing, ok := r.chunks[c.ID]
	if ok && exclusive {
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, c.ID)
	}

	seq := r.seq + 1
	if ok {
		seq = existing.seq
		if existing.chunk.DocumentID != c.DocumentID {
			r.unlinkLocked(existing.chunk.DocumentID, c.ID)
		}
	} else {
		r.seq = seq
	}

	r.chunks[c.ID] = &memEntry{chunk: c, seq: seq}
	ids, ok := r.byDoc[c.DocumentID]
	if !ok {
		ids = make(map[string]struct{})
		r.byDoc[c.DocumentID] = ids
	}
	ids[c.ID] = struct{}{}
	return nil
}

func (r *MemoryRepository) unlinkLocked(documentID, id string) {
	ids := r.byDoc[documentID]
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.byDoc, documentID)
	}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*Chunk, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	e, ok := r.chunks[id]
	if !ok {
		return nil, false, nil
	}
	return e.chunk.Clone(), true, nil
}

func (r *MemoryRepository) GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	ids := r.byDoc[documentID]
	out := make([]*Chunk, 0, len(ids))
	for id := range ids {
		out = append(out, r.chunks[id].chunk.Clone())
	}
	SortByPosition(out)
	return out, nil
}

func (r *MemoryRepository) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	ids := r.byDoc[documentID]
	for id := range ids {
		delete(r.chunks, id)
	}
	delete(r.byDoc, documentID)
	return len(ids), nil
}

func (r *MemoryRepository) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	removed := 0
	for _, id := range ids {
		e, ok := r.chunks[id]
		if !ok {
			continue
		}
		delete(r.chunks, id)
		r.unlinkLocked(e.chunk.DocumentID, id)
		removed++
	}
	return removed, nil
}

func (r *MemoryRepository) Stats(ctx context.Context) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	b := newStatsBuilder()
	for _, e := range r.chunks {
		b.add(e.chunk)
	}
	return b.build(), nil
}

// Scan snapshots the candidate set under the read lock and releases it before calling fn.
// Stored chunks are never mutated in place, so handing out the pointers is safe.
func (r *MemoryRepository) Scan(ctx context.Context, documentID string, fn func(*Chunk) error) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	var entries []*memEntry
	if documentID != "" {
		ids := r.byDoc[documentID]
		entries = make([]*memEntry, 0, len(ids))
		for id := range ids {
			entries = append(entries, r.chunks[id])
		}
	} else {
		entries = make([]*memEntry, 0, len(r.chunks))
		for _, e := range r.chunks {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *memEntry) int { return cmp.Compare(a.seq, b.seq) })
	for i, e := range entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(e.chunk); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func chunkID(c *Chunk) string {
	if c == nil {
		return ""
	}
	return c.ID
}
