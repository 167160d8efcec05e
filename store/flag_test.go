package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mjl-/bstore"
)

func TestFlagRegistry(t *testing.T) {
	acc := testAccount(t)

	// Registration is case-insensitive and ids are stable.
	id, err := acc.FlagID(ctxbg, "MuchWanted")
	tcheck(t, err, "registering flag")
	if id != 5 {
		t.Fatalf("first custom flag got id %d, expected 5", id)
	}
	again, err := acc.FlagID(ctxbg, "muchwanted")
	tcheck(t, err, "looking up flag")
	if again != id {
		t.Fatalf("case variant got id %d, expected %d", again, id)
	}

	id2, err := acc.FlagID(ctxbg, "$Junk")
	tcheck(t, err, "registering second flag")
	if id2 != 6 {
		t.Fatalf("second custom flag got id %d, expected 6", id2)
	}

	flags, err := acc.Flags(ctxbg)
	tcheck(t, err, "listing flags")
	if len(flags) != len(systemFlags)+2 {
		t.Fatalf("got %d flags, expected %d", len(flags), len(systemFlags)+2)
	}
	if flags[0].Name != `\answered` || flags[0].ID != 0 {
		t.Fatalf("unexpected first flag: %#v", flags[0])
	}
}

func TestStoreFlags(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	acc.WithWLock(func() {
		_, _, _, err := acc.Append(ctxbg, inbox.ID, "aa/one", nil, nil, []string{`\Seen`})
		tcheck(t, err, "append")

		// Add allocates a modseq and registers the unknown flag.
		changes, err := acc.StoreFlags(ctxbg, inbox.ID, []UID{1}, StoreAdd, []string{"$Forwarded"}, nil)
		tcheck(t, err, "store add")
		if len(changes) != 1 {
			t.Fatalf("got %d changes, expected 1", len(changes))
		}
		ch := changes[0].(ChangeFlags)
		if ch.ModSeq != 2 || len(ch.FlagIDs) != 2 {
			t.Fatalf("unexpected flags change: %#v", ch)
		}

		// A no-op store keeps the modseq.
		changes, err = acc.StoreFlags(ctxbg, inbox.ID, []UID{1}, StoreAdd, []string{`\Seen`}, nil)
		tcheck(t, err, "no-op store")
		if len(changes) != 0 {
			t.Fatalf("no-op store produced changes: %v", changes)
		}
		mb, err := acc.MailboxID(ctxbg, inbox.ID)
		tcheck(t, err, "refetching mailbox")
		if mb.MaxModSeq != 2 {
			t.Fatalf("no-op store advanced modseq to %d", mb.MaxModSeq)
		}

		// Set replaces the full flag set, clearing what is not listed.
		changes, err = acc.StoreFlags(ctxbg, inbox.ID, []UID{1}, StoreSet, []string{`\Deleted`}, nil)
		tcheck(t, err, "store set")
		ch = changes[0].(ChangeFlags)
		if len(ch.FlagIDs) != 1 || ch.FlagIDs[0] != 1 {
			t.Fatalf("set did not replace flags: %#v", ch)
		}

		// Clear removes listed flags only.
		changes, err = acc.StoreFlags(ctxbg, inbox.ID, []UID{1}, StoreClear, []string{`\Deleted`}, nil)
		tcheck(t, err, "store clear")
		ch = changes[0].(ChangeFlags)
		if len(ch.FlagIDs) != 0 {
			t.Fatalf("clear left flags: %#v", ch)
		}
	})
}

func TestStoreFlagsConditional(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	acc.WithWLock(func() {
		for _, path := range []string{"aa/one", "bb/two"} {
			_, _, _, err := acc.Append(ctxbg, inbox.ID, path, nil, nil, nil)
			tcheck(t, err, "append")
		}

		// Bump the flags modseq of uid 2 past the condition.
		_, err := acc.StoreFlags(ctxbg, inbox.ID, []UID{2}, StoreAdd, []string{`\Seen`}, nil)
		tcheck(t, err, "store")

		// The batch fails wholesale, uid 1 is untouched.
		cond := ModSeq(2)
		_, err = acc.StoreFlags(ctxbg, inbox.ID, []UID{1, 2}, StoreAdd, []string{`\Flagged`}, &cond)
		if !errors.Is(err, ErrModSeqConflict) {
			t.Fatalf("conditional store: got %v, expected ErrModSeqConflict", err)
		}
		msgs, err := acc.Messages(ctxbg, inbox.ID)
		tcheck(t, err, "listing messages")
		if msgs[0].FlagBits != 0 {
			t.Fatalf("failed conditional store changed flags of uid 1")
		}

		// With a current condition it applies.
		cond = ModSeq(3)
		changes, err := acc.StoreFlags(ctxbg, inbox.ID, []UID{1, 2}, StoreAdd, []string{`\Flagged`}, &cond)
		tcheck(t, err, "conditional store")
		if len(changes) != 2 {
			t.Fatalf("got %d changes, expected 2", len(changes))
		}
	})
}

func TestFarFlags(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	// Drive the allocator past the bitset range. Ids start after the system
	// flags, so keyword 59 gets id 64.
	var farName string
	for i := 0; i < 60; i++ {
		name := fmt.Sprintf("keyword%d", i)
		id, err := acc.FlagID(ctxbg, name)
		tcheck(t, err, "registering keyword")
		if id >= farFlagMin {
			farName = name
			break
		}
	}
	if farName == "" {
		t.Fatalf("no far flag registered")
	}

	acc.WithWLock(func() {
		mm, _, _, err := acc.Append(ctxbg, inbox.ID, "aa/one", nil, nil, []string{farName, `\Seen`})
		tcheck(t, err, "append with far flag")
		if mm.FlagBits != 1<<4 {
			t.Fatalf("far flag leaked into bitset: %b", mm.FlagBits)
		}

		changes, err := acc.StoreFlags(ctxbg, inbox.ID, []UID{1}, StoreSet, []string{`\Seen`}, nil)
		tcheck(t, err, "store set clearing far flag")
		ch := changes[0].(ChangeFlags)
		if len(ch.FlagIDs) != 1 || ch.FlagIDs[0] != 4 {
			t.Fatalf("far flag not cleared by set: %#v", ch)
		}

		// The far flag rows go with the message on expunge.
		_, err = acc.StoreFlags(ctxbg, inbox.ID, []UID{1}, StoreAdd, []string{farName}, nil)
		tcheck(t, err, "re-adding far flag")
		_, err = acc.ExpungeUIDs(ctxbg, inbox.ID, []UID{1})
		tcheck(t, err, "expunging")
	})

	exists, err := bstoreFarFlagsExist(acc)
	tcheck(t, err, "checking far flag rows")
	if exists {
		t.Fatalf("far flag rows remain after expunge")
	}
}

func bstoreFarFlagsExist(acc *Account) (bool, error) {
	return bstore.QueryDB[FarFlag](ctxbg, acc.DB).Exists()
}
