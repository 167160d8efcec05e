package store

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"

	"github.com/mjl-/bstore"
	"lukechampine.com/blake3"
)

// MessagePath returns the conventional storage path for a message body with
// the given content hash: the hex hash with the first byte split off as a
// sharding directory, e.g. "a1/b2c3...". Paths not of this form can still
// occur in Message records, e.g. after manual recovery.
func MessagePath(sum [32]byte) string {
	s := hex.EncodeToString(sum[:])
	return s[:2] + "/" + s[2:]
}

// HashReader wraps a reader, hashing the content read through it. Used to
// compute the content address of a message body while it is being written to
// its temporary file.
type HashReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{r: r, h: blake3.New(32, nil)}
}

func (r *HashReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.h.Write(buf[:n])
		r.n += int64(n)
	}
	return n, err
}

// Size is the number of bytes read so far.
func (r *HashReader) Size() int64 {
	return r.n
}

// Sum is the content hash of the bytes read so far.
func (r *HashReader) Sum() [32]byte {
	var sum [32]byte
	copy(sum[:], r.h.Sum(nil))
	return sum
}

// summaryValues derives the consistency-scan bucket and increment for a
// storage path. The increment is in 1..65535 so every record contributes.
func summaryValues(path string) (uint8, uint16) {
	sum := blake3.Sum256([]byte(path))
	bucket := sum[0]
	incr := (uint16(sum[1])<<8|uint16(sum[2]))%65535 + 1
	return bucket, incr
}

// ingestMessage returns the Message record for path, creating it if this is
// the first reference, and in all cases incrementing the reference count and
// refreshing LastActivity. The session key is wrapped with the pad for the
// assigned message id, so insertion happens first to learn the id.
//
// isNew tells the caller whether a body must be moved into place at path.
func (a *Account) ingestMessage(tx *bstore.Tx, path string, sessionKey *[16]byte, size *int64) (m Message, isNew bool, rerr error) {
	m, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{Path: path}).Get()
	if err != nil && !errors.Is(err, bstore.ErrAbsent) {
		return Message{}, false, err
	}
	if err == nil {
		m.RefCount++
		m.LastActivity = timeNow()
		if m.Size == nil {
			m.Size = size
		}
		if err := tx.Update(&m); err != nil {
			return Message{}, false, err
		}
		return m, false, nil
	}

	bucket, incr := summaryValues(path)
	m = Message{
		Path:             path,
		Size:             size,
		LastActivity:     timeNow(),
		RefCount:         1,
		SummaryBucket:    bucket,
		SummaryIncrement: incr,
	}
	if err := tx.Insert(&m); err != nil {
		return Message{}, false, err
	}
	if sessionKey != nil {
		m.WrappedKey = WrapKey(a.Keys, m.ID, *sessionKey)
		if err := tx.Update(&m); err != nil {
			return Message{}, false, err
		}
	}
	return m, true, nil
}

// decrefMessage lowers the reference count of a message, refreshing
// LastActivity so reclamation leaves the now-possibly-orphaned record alone
// for the retention window.
func decrefMessage(tx *bstore.Tx, messageID int64) error {
	m := Message{ID: messageID}
	if err := tx.Get(&m); err != nil {
		return err
	}
	m.RefCount--
	m.LastActivity = timeNow()
	return tx.Update(&m)
}

// SessionKey returns the unwrapped session key for a message.
func (a *Account) SessionKey(ctx context.Context, messageID int64) ([16]byte, error) {
	m := Message{ID: messageID}
	if err := a.DB.Get(ctx, &m); err != nil {
		return [16]byte{}, err
	}
	return UnwrapKey(a.Keys, m.ID, m.WrappedKey)
}

// SummaryTotals computes, from the database alone, the per-bucket sums of the
// summary increments of all message records.
func (a *Account) SummaryTotals(ctx context.Context) (map[uint8]uint64, error) {
	totals := map[uint8]uint64{}
	err := bstore.QueryDB[Message](ctx, a.DB).ForEach(func(m Message) error {
		totals[m.SummaryBucket] += uint64(m.SummaryIncrement)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// CheckSummary compares the database's per-bucket totals against the blob
// store's, returning the buckets that disagree. A mismatch means a body is
// missing, or an unreferenced file is present, somewhere in that shard; a
// per-file walk of only the offending shards can then pinpoint it.
func (a *Account) CheckSummary(ctx context.Context) (bad []uint8, rerr error) {
	dbTotals, err := a.SummaryTotals(ctx)
	if err != nil {
		return nil, err
	}
	haveTotals, err := a.Blobs.BucketTotals()
	if err != nil {
		return nil, err
	}
	for b := 0; b < 256; b++ {
		bucket := uint8(b)
		if haveTotals[bucket] != dbTotals[bucket] {
			bad = append(bad, bucket)
		}
	}
	return bad, nil
}
