package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"
)

// StoreOp is the kind of flag update applied by StoreFlags.
type StoreOp int

const (
	StoreSet   StoreOp = iota // Replace the full flag set.
	StoreAdd                  // Add the listed flags.
	StoreClear                // Clear the listed flags.
)

// nextModSeq claims the next modification sequence of a mailbox. The mailbox
// must be written back by the caller in the same transaction.
func nextModSeq(mb *Mailbox) ModSeq {
	mb.MaxModSeq++
	return mb.MaxModSeq
}

// updateMailboxMessage writes back a changed mailbox message row, refusing
// changes to its identity. The (mailbox, UID) to message binding is
// immutable; rebinding is modeled as expunge plus append under a fresh UID.
func updateMailboxMessage(tx *bstore.Tx, old, upd MailboxMessage) error {
	if upd.ID != old.ID || upd.MailboxID != old.MailboxID || upd.UID != old.UID || upd.MessageID != old.MessageID {
		return ErrImmutableBinding
	}
	return tx.Update(&upd)
}

func mailboxMessage(tx *bstore.Tx, mailboxID int64, uid UID) (MailboxMessage, error) {
	mm, err := bstore.QueryTx[MailboxMessage](tx).FilterNonzero(MailboxMessage{MailboxID: mailboxID, UID: uid}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return MailboxMessage{}, fmt.Errorf("%w: uid %d in mailbox %d", ErrMessageAbsent, uid, mailboxID)
	}
	return mm, err
}

// Append adds a message to the mailbox at path, claiming the next UID and
// modseq. The body is identified by its storage path; if the content is
// already present its record is shared and the reference count raised,
// otherwise a new record is made and the session key wrapped for it. isNew
// tells the caller whether the body must still be moved into place.
//
// Caller must hold the account write lock and broadcast the returned changes.
func (a *Account) Append(ctx context.Context, mailboxID int64, path string, sessionKey *[16]byte, size *int64, flagNames []string) (mm MailboxMessage, isNew bool, changes []Change, rerr error) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMailboxAbsent
			}
			return err
		}
		if !mb.Selectable {
			return fmt.Errorf("%w: mailbox %d", ErrMailboxUnselectable, mb.ID)
		}

		m, mIsNew, err := a.ingestMessage(tx, path, sessionKey, size)
		if err != nil {
			return fmt.Errorf("ingesting message: %w", err)
		}
		isNew = mIsNew

		modseq := nextModSeq(&mb)
		uid := mb.NextUID
		mb.NextUID++
		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("updating mailbox: %w", err)
		}

		mm = MailboxMessage{
			MailboxID:    mb.ID,
			UID:          uid,
			MessageID:    m.ID,
			SavedAt:      timeNow(),
			AppendModSeq: modseq,
			FlagsModSeq:  modseq,
		}
		if err := tx.Insert(&mm); err != nil {
			return fmt.Errorf("adding message to mailbox: %w", err)
		}

		for _, name := range flagNames {
			id, err := flagID(tx, name)
			if err != nil {
				return err
			}
			if _, err := setFlag(tx, &mm, id, true); err != nil {
				return fmt.Errorf("setting flag %q: %w", name, err)
			}
		}
		if mm.FlagBits != 0 {
			if err := tx.Update(&mm); err != nil {
				return err
			}
		}

		flagIDs, err := messageFlagIDs(tx, mm)
		if err != nil {
			return err
		}
		changes = []Change{ChangeAddUID{mb.ID, uid, modseq, flagIDs}}
		return nil
	})
	if err != nil {
		return MailboxMessage{}, false, nil, err
	}
	return mm, isNew, changes, nil
}

// Copy adds the messages at the given UIDs of the source mailbox to the
// destination mailbox under fresh UIDs, sharing the underlying message
// records and carrying the flag state over. All copies get a single modseq in
// the destination. Caller must hold the account write lock and broadcast the
// returned changes.
func (a *Account) Copy(ctx context.Context, srcMailboxID int64, uids []UID, dstMailboxID int64) (changes []Change, rerr error) {
	if srcMailboxID == dstMailboxID {
		return nil, fmt.Errorf("cannot copy within the same mailbox")
	}
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		dst := Mailbox{ID: dstMailboxID}
		if err := tx.Get(&dst); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMailboxAbsent
			}
			return err
		}
		if !dst.Selectable {
			return fmt.Errorf("%w: mailbox %d", ErrMailboxUnselectable, dst.ID)
		}

		var srcMsgs []MailboxMessage
		for _, uid := range uids {
			mm, err := mailboxMessage(tx, srcMailboxID, uid)
			if err != nil {
				return err
			}
			srcMsgs = append(srcMsgs, mm)
		}
		if len(srcMsgs) == 0 {
			return nil
		}

		modseq := nextModSeq(&dst)
		for _, src := range srcMsgs {
			m := Message{ID: src.MessageID}
			if err := tx.Get(&m); err != nil {
				return err
			}
			m.RefCount++
			m.LastActivity = timeNow()
			if err := tx.Update(&m); err != nil {
				return err
			}

			nmm := MailboxMessage{
				MailboxID:    dst.ID,
				UID:          dst.NextUID,
				MessageID:    src.MessageID,
				FlagBits:     src.FlagBits,
				SavedAt:      timeNow(),
				AppendModSeq: modseq,
				FlagsModSeq:  modseq,
			}
			dst.NextUID++
			if err := tx.Insert(&nmm); err != nil {
				return fmt.Errorf("adding copy to mailbox: %w", err)
			}
			err := bstore.QueryTx[FarFlag](tx).FilterNonzero(FarFlag{MailboxID: src.MailboxID, UID: src.UID}).ForEach(func(ff FarFlag) error {
				return tx.Insert(&FarFlag{MailboxID: nmm.MailboxID, UID: nmm.UID, FlagID: ff.FlagID})
			})
			if err != nil {
				return err
			}

			flagIDs, err := messageFlagIDs(tx, nmm)
			if err != nil {
				return err
			}
			changes = append(changes, ChangeAddUID{dst.ID, nmm.UID, modseq, flagIDs})
		}
		return tx.Update(&dst)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// StoreFlags updates the flag state of the messages at the given UIDs. Op
// determines whether the named flags replace, extend or clear the current
// set. Unregistered flag names are registered.
//
// With a non-nil ifUnchangedSince, the whole batch fails with
// ErrModSeqConflict if any targeted message has flag changes newer than the
// given modseq; nothing is applied in that case.
//
// Messages whose stored state does not actually change keep their modseq and
// produce no change. Caller must hold the account write lock and broadcast
// the returned changes.
func (a *Account) StoreFlags(ctx context.Context, mailboxID int64, uids []UID, op StoreOp, flagNames []string, ifUnchangedSince *ModSeq) (changes []Change, rerr error) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMailboxAbsent
			}
			return err
		}

		var flagIDs []int64
		for _, name := range flagNames {
			id, err := flagID(tx, name)
			if err != nil {
				return err
			}
			flagIDs = append(flagIDs, id)
		}

		var msgs []MailboxMessage
		for _, uid := range uids {
			mm, err := mailboxMessage(tx, mailboxID, uid)
			if err != nil {
				return err
			}
			if ifUnchangedSince != nil && mm.FlagsModSeq > *ifUnchangedSince {
				return fmt.Errorf("%w: uid %d changed at modseq %d", ErrModSeqConflict, uid, mm.FlagsModSeq)
			}
			msgs = append(msgs, mm)
		}

		var modseq ModSeq // Claimed on the first actual change.
		for _, old := range msgs {
			mm := old
			changed, err := applyFlagOp(tx, &mm, op, flagIDs)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if modseq == 0 {
				modseq = nextModSeq(&mb)
			}
			mm.FlagsModSeq = modseq
			if err := updateMailboxMessage(tx, old, mm); err != nil {
				return err
			}
			ids, err := messageFlagIDs(tx, mm)
			if err != nil {
				return err
			}
			changes = append(changes, ChangeFlags{mailboxID, mm.UID, modseq, ids})
		}
		if modseq == 0 {
			return nil
		}
		return tx.Update(&mb)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// applyFlagOp mutates the flag state of one mailbox message, returning
// whether anything changed. For StoreSet, flags outside the given set are
// cleared, including far flags.
func applyFlagOp(tx *bstore.Tx, mm *MailboxMessage, op StoreOp, flagIDs []int64) (changed bool, rerr error) {
	on := op != StoreClear
	if op == StoreSet {
		current, err := messageFlagIDs(tx, *mm)
		if err != nil {
			return false, err
		}
		for _, id := range current {
			if slices.Contains(flagIDs, id) {
				continue
			}
			ch, err := setFlag(tx, mm, id, false)
			if err != nil {
				return false, err
			}
			changed = changed || ch
		}
	}
	for _, id := range flagIDs {
		ch, err := setFlag(tx, mm, id, on)
		if err != nil {
			return false, err
		}
		changed = changed || ch
	}
	return changed, nil
}

// ExpungeUIDs removes the messages at the given UIDs from the mailbox,
// recording each removal in the expunge log under a single fresh modseq and
// releasing one message reference per removal. UIDs not present in the
// mailbox are skipped. Caller must hold the account write lock and broadcast
// the returned changes.
func (a *Account) ExpungeUIDs(ctx context.Context, mailboxID int64, uids []UID) (changes []Change, rerr error) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMailboxAbsent
			}
			return err
		}

		var expunged []UID
		var modseq ModSeq
		for _, uid := range uids {
			mm, err := bstore.QueryTx[MailboxMessage](tx).FilterNonzero(MailboxMessage{MailboxID: mailboxID, UID: uid}).Get()
			if err != nil {
				if errors.Is(err, bstore.ErrAbsent) {
					continue
				}
				return err
			}
			if modseq == 0 {
				modseq = nextModSeq(&mb)
			}
			if err := tx.Delete(&MailboxMessage{ID: mm.ID}); err != nil {
				return err
			}
			if err := removeFarFlags(tx, mailboxID, uid); err != nil {
				return err
			}
			if err := tx.Insert(&Expunge{MailboxID: mailboxID, ModSeq: modseq, UID: uid}); err != nil {
				return fmt.Errorf("recording expunge: %w", err)
			}
			if err := decrefMessage(tx, mm.MessageID); err != nil {
				return fmt.Errorf("releasing message reference: %w", err)
			}
			expunged = append(expunged, uid)
		}
		if len(expunged) == 0 {
			return nil
		}
		slices.Sort(expunged)
		if err := tx.Update(&mb); err != nil {
			return err
		}
		changes = []Change{ChangeRemoveUIDs{mailboxID, expunged, modseq}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// MailboxChanges is the incremental state of a mailbox since a modseq.
type MailboxChanges struct {
	// Messages appended or flag-updated after the since modseq, ascending by
	// UID.
	Members []MailboxMessage

	// Removals after the since modseq, in log order.
	Expunged []Expunge

	// Highest modseq of the mailbox; passing it back later yields only newer
	// changes.
	MaxModSeq ModSeq
}

// ChangesSince returns all changes in a mailbox after the given modseq. With
// since 0 it returns the full current state plus the whole removal history.
func (a *Account) ChangesSince(ctx context.Context, mailboxID int64, since ModSeq) (MailboxChanges, error) {
	var mc MailboxChanges
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb := Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMailboxAbsent
			}
			return err
		}
		mc.MaxModSeq = mb.MaxModSeq

		members, err := bstore.QueryTx[MailboxMessage](tx).FilterNonzero(MailboxMessage{MailboxID: mailboxID}).FilterGreater("FlagsModSeq", since).SortAsc("UID").List()
		if err != nil {
			return err
		}
		mc.Members = members

		expunged, err := bstore.QueryTx[Expunge](tx).FilterNonzero(Expunge{MailboxID: mailboxID}).FilterGreater("ModSeq", since).SortAsc("ModSeq", "UID").List()
		if err != nil {
			return err
		}
		mc.Expunged = expunged
		return nil
	})
	if err != nil {
		return MailboxChanges{}, err
	}
	return mc, nil
}

// Messages lists the current messages of a mailbox, ascending by UID.
func (a *Account) Messages(ctx context.Context, mailboxID int64) ([]MailboxMessage, error) {
	return bstore.QueryDB[MailboxMessage](ctx, a.DB).FilterNonzero(MailboxMessage{MailboxID: mailboxID}).SortAsc("UID").List()
}

// SetRecent claims the messages above the previous recent watermark for the
// calling session, returning the first claimed UID. Each appended message is
// "recent" for exactly one session.
func (a *Account) SetRecent(ctx context.Context, mailboxID int64) (first UID, rerr error) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := Mailbox{ID: mailboxID}
		if err := tx.Get(&mb); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMailboxAbsent
			}
			return err
		}
		first = mb.RecentUID + 1
		if mb.NextUID-1 <= mb.RecentUID {
			first = mb.NextUID
			return nil
		}
		mb.RecentUID = mb.NextUID - 1
		return tx.Update(&mb)
	})
	return first, err
}
