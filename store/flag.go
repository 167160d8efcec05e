package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"
)

// The system flags occupy the lowest fixed bit positions in every account,
// assigned at account creation.
var systemFlags = []string{`\answered`, `\deleted`, `\draft`, `\flagged`, `\seen`}

// farFlagMin is the first flag id stored as FarFlag rows instead of a bit in
// MailboxMessage.FlagBits.
const farFlagMin = 64

// FlagID returns the stable id for a flag name, registering the name with a
// fresh id on first use. Names are case-insensitive; the registry stores the
// lower-case form. Ids are never reused, even across restarts.
func (a *Account) FlagID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		id, err = flagID(tx, name)
		return err
	})
	return id, err
}

func flagID(tx *bstore.Tx, name string) (int64, error) {
	name = strings.ToLower(name)
	if name == "" {
		return 0, fmt.Errorf("empty flag name")
	}

	f := Flag{Name: name}
	err := tx.Get(&f)
	if err == nil {
		return f.ID, nil
	}
	if !errors.Is(err, bstore.ErrAbsent) {
		return 0, err
	}

	next := NextFlagID{ID: 1}
	if err := tx.Get(&next); err != nil {
		return 0, fmt.Errorf("get next flag id: %w", err)
	}
	f.ID = next.Next
	next.Next++
	if err := tx.Update(&next); err != nil {
		return 0, fmt.Errorf("updating next flag id: %w", err)
	}
	if err := tx.Insert(&f); err != nil {
		return 0, fmt.Errorf("registering flag: %w", err)
	}
	return f.ID, nil
}

// Flags lists all registered flags.
func (a *Account) Flags(ctx context.Context) ([]Flag, error) {
	return bstore.QueryDB[Flag](ctx, a.DB).SortAsc("ID").List()
}

// hasFlag reports whether the mailbox message has the flag with the given id
// set, consulting FlagBits for near flags and FarFlag rows otherwise.
func hasFlag(tx *bstore.Tx, mm MailboxMessage, flagID int64) (bool, error) {
	if flagID < farFlagMin {
		return mm.FlagBits&(1<<flagID) != 0, nil
	}
	return bstore.QueryTx[FarFlag](tx).FilterNonzero(FarFlag{MailboxID: mm.MailboxID, UID: mm.UID, FlagID: flagID}).Exists()
}

// setFlag sets or clears one flag on a mailbox message, updating mm.FlagBits
// in place for near flags and the FarFlag rows for far flags. Returns whether
// the stored state changed.
func setFlag(tx *bstore.Tx, mm *MailboxMessage, flagID int64, on bool) (bool, error) {
	if flagID < farFlagMin {
		bit := int64(1) << flagID
		old := mm.FlagBits
		if on {
			mm.FlagBits |= bit
		} else {
			mm.FlagBits &^= bit
		}
		return mm.FlagBits != old, nil
	}

	ff, err := bstore.QueryTx[FarFlag](tx).FilterNonzero(FarFlag{MailboxID: mm.MailboxID, UID: mm.UID, FlagID: flagID}).Get()
	if err != nil && !errors.Is(err, bstore.ErrAbsent) {
		return false, err
	}
	exists := err == nil
	if on == exists {
		return false, nil
	}
	if on {
		return true, tx.Insert(&FarFlag{MailboxID: mm.MailboxID, UID: mm.UID, FlagID: flagID})
	}
	return true, tx.Delete(&FarFlag{ID: ff.ID})
}

// messageFlagIDs returns the flag ids set on a mailbox message, near bits
// first, then far flags.
func messageFlagIDs(tx *bstore.Tx, mm MailboxMessage) ([]int64, error) {
	var ids []int64
	for bit := int64(0); bit < farFlagMin; bit++ {
		if mm.FlagBits&(1<<bit) != 0 {
			ids = append(ids, bit)
		}
	}
	err := bstore.QueryTx[FarFlag](tx).FilterNonzero(FarFlag{MailboxID: mm.MailboxID, UID: mm.UID}).SortAsc("FlagID").ForEach(func(ff FarFlag) error {
		ids = append(ids, ff.FlagID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// removeFarFlags drops all far flag rows of a mailbox message, for expunge.
func removeFarFlags(tx *bstore.Tx, mailboxID int64, uid UID) error {
	_, err := bstore.QueryTx[FarFlag](tx).FilterNonzero(FarFlag{MailboxID: mailboxID, UID: uid}).Delete()
	return err
}
