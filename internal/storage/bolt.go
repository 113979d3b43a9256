package storage

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta       = []byte("meta")
	bucketChunks     = []byte("chunks")
	bucketBySeq      = []byte("by_seq")
	bucketByDocument = []byte("by_document")
	keyDimension     = []byte("dimension")
)

// BoltRepository stores chunks in an embedded bbolt file.
//
// Layout: chunks (id → record), by_seq (insertion sequence → id) and by_document
// (one nested bucket per document, position+id → id) so document scans come back
// in (page_number, chunk_index) order without sorting.
type BoltRepository struct {
	db        *bolt.DB
	dimension int
}

var _ Repository = (*BoltRepository)(nil)

type boltRecord struct {
	Seq        uint64         `json:"seq"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	PageNumber int            `json:"page_number"`
	ChunkIndex int            `json:"chunk_index"`
	Embedding  []byte         `json:"embedding"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// NewBoltRepository opens (or creates) the bbolt file at path.
func NewBoltRepository(path string, dimension int) (*BoltRepository, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrBackendUnreachable, path, err)
	}

	r := &BoltRepository{db: db, dimension: dimension}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketChunks, bucketBySeq, bucketByDocument} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		stored := meta.Get(keyDimension)
		if stored == nil {
			return meta.Put(keyDimension, []byte(strconv.Itoa(dimension)))
		}
		if string(stored) != strconv.Itoa(dimension) {
			return fmt.Errorf("%w: %s holds %s-dimension vectors, configured %d",
				ErrDimensionMismatch, path, stored, dimension)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *BoltRepository) Dimension() int { return r.dimension }

func (r *BoltRepository) Health(ctx context.Context) error {
	return r.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketChunks) == nil {
			return fmt.Errorf("%w: chunks bucket missing", ErrBackendUnreachable)
		}
		return nil
	})
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}

func (r *BoltRepository) Upsert(ctx context.Context, chunks []*Chunk) (*UpsertReport, error) {
	report := &UpsertReport{}
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := Validate(c, r.dimension); err != nil {
			report.fail(chunkID(c), err)
			continue
		}
		// One transaction per chunk keeps writes atomic and independent.
		err := r.db.Update(func(tx *bolt.Tx) error {
			return putChunk(tx, c, false)
		})
		if err != nil {
			report.fail(c.ID, err)
			continue
		}
		report.Written = append(report.Written, c.ID)
	}
	return report, nil
}

func (r *BoltRepository) Insert(ctx context.Context, c *Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(c, r.dimension); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return putChunk(tx, c, true)
	})
}

func putChunk(tx *bolt.Tx, c *Chunk, exclusive bool) error {
	chunks := tx.Bucket(bucketChunks)
	bySeq := tx.Bucket(bucketBySeq)
	byDoc := tx.Bucket(bucketByDocument)

	rec := boltRecord{
		DocumentID: c.DocumentID,
		Content:    c.Content,
		PageNumber: c.PageNumber,
		ChunkIndex: c.ChunkIndex,
		Embedding:  float32SliceToBytes(c.Embedding),
		Metadata:   c.Metadata,
		CreatedAt:  c.CreatedAt.UnixNano(),
	}

	if raw := chunks.Get([]byte(c.ID)); raw != nil {
		if exclusive {
			return fmt.Errorf("%w: %s", ErrDuplicateChunk, c.ID)
		}
		var old boltRecord
		if err := json.Unmarshal(raw, &old); err != nil {
			return fmt.Errorf("decoding chunk %s: %w", c.ID, err)
		}
		rec.Seq = old.Seq
		if docBucket := byDoc.Bucket([]byte(old.DocumentID)); docBucket != nil {
			if err := docBucket.Delete(positionKey(old.PageNumber, old.ChunkIndex, c.ID)); err != nil {
				return err
			}
		}
	} else {
		seq, err := chunks.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		rec.Seq = seq
		if err := bySeq.Put(seqKey(seq), []byte(c.ID)); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding chunk %s: %w", c.ID, err)
	}
	if err := chunks.Put([]byte(c.ID), raw); err != nil {
		return err
	}
	docBucket, err := byDoc.CreateBucketIfNotExists([]byte(c.DocumentID))
	if err != nil {
		return fmt.Errorf("creating document bucket: %w", err)
	}
	return docBucket.Put(positionKey(c.PageNumber, c.ChunkIndex, c.ID), []byte(c.ID))
}

func (r *BoltRepository) GetByID(ctx context.Context, id string) (*Chunk, bool, error) {
	var out *Chunk
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get([]byte(id))
		if raw == nil {
			return nil
		}
		c, _, err := decodeChunk(id, raw)
		out = c
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (r *BoltRepository) GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	var out []*Chunk
	err := r.db.View(func(tx *bolt.Tx) error {
		docBucket := tx.Bucket(bucketByDocument).Bucket([]byte(documentID))
		if docBucket == nil {
			return nil
		}
		chunks := tx.Bucket(bucketChunks)
		return docBucket.ForEach(func(_, id []byte) error {
			c, _, err := decodeChunk(string(id), chunks.Get(id))
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltRepository) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	removed := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		byDoc := tx.Bucket(bucketByDocument)
		docBucket := byDoc.Bucket([]byte(documentID))
		if docBucket == nil {
			return nil
		}
		chunks := tx.Bucket(bucketChunks)
		bySeq := tx.Bucket(bucketBySeq)

		var ids [][]byte
		if err := docBucket.ForEach(func(_, id []byte) error {
			ids = append(ids, append([]byte(nil), id...))
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			raw := chunks.Get(id)
			if raw == nil {
				continue
			}
			var rec boltRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decoding chunk %s: %w", id, err)
			}
			if err := bySeq.Delete(seqKey(rec.Seq)); err != nil {
				return err
			}
			if err := chunks.Delete(id); err != nil {
				return err
			}
			removed++
		}
		return byDoc.DeleteBucket([]byte(documentID))
	})
	if err != nil {
		return 0, fmt.Errorf("deleting document: %w", err)
	}
	return removed, nil
}

func (r *BoltRepository) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	removed := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		bySeq := tx.Bucket(bucketBySeq)
		byDoc := tx.Bucket(bucketByDocument)

		for _, id := range ids {
			raw := chunks.Get([]byte(id))
			if raw == nil {
				continue
			}
			var rec boltRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decoding chunk %s: %w", id, err)
			}
			if err := bySeq.Delete(seqKey(rec.Seq)); err != nil {
				return err
			}
			if docBucket := byDoc.Bucket([]byte(rec.DocumentID)); docBucket != nil {
				if err := docBucket.Delete(positionKey(rec.PageNumber, rec.ChunkIndex, id)); err != nil {
					return err
				}
				if k, _ := docBucket.Cursor().First(); k == nil {
					if err := byDoc.DeleteBucket([]byte(rec.DocumentID)); err != nil {
						return err
					}
				}
			}
			if err := chunks.Delete([]byte(id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return removed, nil
}

func (r *BoltRepository) Stats(ctx context.Context) (*Stats, error) {
	b := newStatsBuilder()
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(id, raw []byte) error {
			c, _, err := decodeChunk(string(id), raw)
			if err != nil {
				return err
			}
			b.add(c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return b.build(), nil
}

// Scan decodes the candidate set inside a read transaction and calls fn after it closes.
func (r *BoltRepository) Scan(ctx context.Context, documentID string, fn func(*Chunk) error) error {
	type seqChunk struct {
		seq   uint64
		chunk *Chunk
	}
	var candidates []seqChunk

	err := r.db.View(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		if documentID == "" {
			return tx.Bucket(bucketBySeq).ForEach(func(k, id []byte) error {
				c, seq, err := decodeChunk(string(id), chunks.Get(id))
				if err != nil {
					return err
				}
				candidates = append(candidates, seqChunk{seq: seq, chunk: c})
				return nil
			})
		}
		docBucket := tx.Bucket(bucketByDocument).Bucket([]byte(documentID))
		if docBucket == nil {
			return nil
		}
		return docBucket.ForEach(func(_, id []byte) error {
			c, seq, err := decodeChunk(string(id), chunks.Get(id))
			if err != nil {
				return err
			}
			candidates = append(candidates, seqChunk{seq: seq, chunk: c})
			return nil
		})
	})
	if err != nil {
		return err
	}

	if documentID != "" {
		slices.SortFunc(candidates, func(a, b seqChunk) int { return cmp.Compare(a.seq, b.seq) })
	}
	for i, sc := range candidates {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(sc.chunk); err != nil {
			return err
		}
	}
	return nil
}

func decodeChunk(id string, raw []byte) (*Chunk, uint64, error) {
	if raw == nil {
		return nil, 0, fmt.Errorf("chunk %s: index points at missing record", id)
	}
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("decoding chunk %s: %w", id, err)
	}
	normalizeMetadata(rec.Metadata)
	return &Chunk{
		ID:         id,
		DocumentID: rec.DocumentID,
		Content:    rec.Content,
		PageNumber: rec.PageNumber,
		ChunkIndex: rec.ChunkIndex,
		Embedding:  bytesToFloat32Slice(rec.Embedding),
		Metadata:   rec.Metadata,
		CreatedAt:  time.Unix(0, rec.CreatedAt),
	}, rec.Seq, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// positionKey sorts by page then index; the id suffix keeps keys unique.
func positionKey(page, index int, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint32(k[0:4], uint32(page))
	binary.BigEndian.PutUint32(k[4:8], uint32(index))
	return append(k, id...)
}
