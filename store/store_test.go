package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/mvault/mvault/mvault-"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// testAccount opens a fresh account under testdata, closed again at test end.
func testAccount(t *testing.T) *Account {
	t.Helper()
	os.RemoveAll("../testdata/store")
	os.MkdirAll("../testdata/store", 0770)
	mvault.ConfigStaticPath = filepath.Join("..", "testdata", "store", "mvault.conf")
	mvault.Conf.Static.DataDir = "data"

	keys, err := NewMasterKeys([]byte("test master secret"))
	tcheck(t, err, "deriving key material")
	blobdir := filepath.Join(mvault.DataDirPath("accounts"), "test", "msg")
	acc, err := OpenAccount("test", keys, NewDirBlobs(blobdir))
	tcheck(t, err, "open account")
	t.Cleanup(func() {
		err := acc.Close()
		tcheck(t, err, "closing account")
	})
	return acc
}

// writeBlob places a message body at its storage path for the test account.
func writeBlob(t *testing.T, acc *Account, path string, content []byte) {
	t.Helper()
	p := filepath.Join(acc.Dir, "msg", filepath.FromSlash(path))
	os.MkdirAll(filepath.Dir(p), 0770)
	err := os.WriteFile(p, content, 0660)
	tcheck(t, err, "writing blob")
}

func TestAccountInit(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")
	if !inbox.Selectable || inbox.NextUID != 1 || inbox.MaxModSeq != 0 {
		t.Fatalf("unexpected fresh inbox: %#v", inbox)
	}
	if inbox.UIDValidity() == 0 {
		t.Fatalf("zero uidvalidity")
	}

	subs, err := acc.Subscriptions(ctxbg)
	tcheck(t, err, "listing subscriptions")
	if len(subs) != 1 || subs[0].Name != "Inbox" {
		t.Fatalf("unexpected subscriptions: %v", subs)
	}

	// System flags have the fixed low ids.
	id, err := acc.FlagID(ctxbg, `\Seen`)
	tcheck(t, err, "system flag id")
	if id != 4 {
		t.Fatalf("got id %d for \\seen, expected 4", id)
	}
}

func TestMailboxHierarchy(t *testing.T) {
	acc := testAccount(t)

	mb, changes, err := acc.MailboxCreate(ctxbg, "Archive/2024/Q1", `\Archive`)
	tcheck(t, err, "creating mailbox")
	if len(changes) != 3 {
		t.Fatalf("got %d changes for create with 2 new ancestors, expected 3", len(changes))
	}
	if mb.Name != "Q1" || mb.SpecialUse != `\Archive` {
		t.Fatalf("unexpected mailbox: %#v", mb)
	}

	// Ancestors got no special-use.
	parent, err := acc.MailboxByPath(ctxbg, "Archive/2024")
	tcheck(t, err, "looking up ancestor")
	if parent.SpecialUse != "" {
		t.Fatalf("ancestor got special-use %q", parent.SpecialUse)
	}
	if mb.ParentID != parent.ID {
		t.Fatalf("parent id %d, expected %d", mb.ParentID, parent.ID)
	}

	// Creating an existing mailbox fails, reusing an intermediate is fine.
	_, _, err = acc.MailboxCreate(ctxbg, "Archive/2024", "")
	if !errors.Is(err, ErrMailboxExists) {
		t.Fatalf("create existing: got %v, expected ErrMailboxExists", err)
	}
	_, changes, err = acc.MailboxCreate(ctxbg, "Archive/2024/Q2", "")
	tcheck(t, err, "creating sibling")
	if len(changes) != 1 {
		t.Fatalf("got %d changes for sibling create, expected 1", len(changes))
	}

	children, err := acc.MailboxChildren(ctxbg, parent.ID)
	tcheck(t, err, "listing children")
	if len(children) != 2 || children[0].Name != "Q1" || children[1].Name != "Q2" {
		t.Fatalf("unexpected children: %v", children)
	}

	// Rename moves the whole subtree.
	changes, err = acc.MailboxRename(ctxbg, "Archive/2024", "Archive/Old/2024")
	tcheck(t, err, "renaming mailbox")
	var renames int
	for _, ch := range changes {
		if _, ok := ch.(ChangeRenameMailbox); ok {
			renames++
		}
	}
	if renames != 1 {
		t.Fatalf("got %d rename changes, expected 1", renames)
	}
	if _, err := acc.MailboxByPath(ctxbg, "Archive/Old/2024/Q1"); err != nil {
		t.Fatalf("child not reachable under new path: %v", err)
	}
	if _, err := acc.MailboxByPath(ctxbg, "Archive/2024"); !errors.Is(err, ErrMailboxAbsent) {
		t.Fatalf("old path still resolves: %v", err)
	}

	// Cannot rename into its own subtree.
	_, err = acc.MailboxRename(ctxbg, "Archive", "Archive/Old/Archive")
	if err == nil {
		t.Fatalf("rename into own subtree did not fail")
	}

	// Marking unselectable refuses appends but keeps the node.
	mb2, err := acc.MailboxMarkUnselectable(ctxbg, "Archive/Old/2024/Q1")
	tcheck(t, err, "marking unselectable")
	_, _, _, err = acc.Append(ctxbg, mb2.ID, "de/adbeef", nil, nil, nil)
	if !errors.Is(err, ErrMailboxUnselectable) {
		t.Fatalf("append to unselectable: got %v", err)
	}
	if _, err := acc.MailboxByPath(ctxbg, "Archive/Old/2024/Q1"); err != nil {
		t.Fatalf("unselectable mailbox gone: %v", err)
	}
}

func TestAppendExpunge(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	size := int64(100)
	var mm1, mm2 MailboxMessage
	var isNew bool
	acc.WithWLock(func() {
		var changes []Change
		mm1, isNew, changes, err = acc.Append(ctxbg, inbox.ID, "ab/cdef", &key, &size, []string{`\Seen`})
		tcheck(t, err, "first append")
		acc.BroadcastChanges(changes)
	})
	if !isNew {
		t.Fatalf("first append of content not new")
	}
	if mm1.UID != 1 || mm1.AppendModSeq != 1 || mm1.FlagsModSeq != 1 {
		t.Fatalf("unexpected first append: %#v", mm1)
	}

	// Appending the same content again shares the message record.
	acc.WithWLock(func() {
		mm2, isNew, _, err = acc.Append(ctxbg, inbox.ID, "ab/cdef", &key, &size, nil)
		tcheck(t, err, "second append")
	})
	if isNew {
		t.Fatalf("second append of same content was new")
	}
	if mm2.MessageID != mm1.MessageID {
		t.Fatalf("same content got different message records")
	}
	if mm2.UID != 2 || mm2.AppendModSeq != 2 {
		t.Fatalf("unexpected second append: %#v", mm2)
	}
	m := Message{ID: mm1.MessageID}
	err = acc.DB.Get(ctxbg, &m)
	tcheck(t, err, "get message")
	if m.RefCount != 2 {
		t.Fatalf("refcount %d, expected 2", m.RefCount)
	}

	// Session key round-trips through the wrapped form.
	got, err := acc.SessionKey(ctxbg, mm1.MessageID)
	tcheck(t, err, "unwrapping session key")
	if got != key {
		t.Fatalf("session key did not round-trip")
	}

	// Expunge drops the membership, logs the removal, releases a reference.
	var changes []Change
	acc.WithWLock(func() {
		changes, err = acc.ExpungeUIDs(ctxbg, inbox.ID, []UID{1, 999})
		tcheck(t, err, "expunging")
		acc.BroadcastChanges(changes)
	})
	if len(changes) != 1 {
		t.Fatalf("got %d changes, expected 1", len(changes))
	}
	rem, ok := changes[0].(ChangeRemoveUIDs)
	if !ok || len(rem.UIDs) != 1 || rem.UIDs[0] != 1 || rem.ModSeq != 3 {
		t.Fatalf("unexpected remove change: %#v", changes[0])
	}
	err = acc.DB.Get(ctxbg, &m)
	tcheck(t, err, "get message after expunge")
	if m.RefCount != 1 {
		t.Fatalf("refcount %d after expunge, expected 1", m.RefCount)
	}

	// UIDs are not reused after expunge.
	acc.WithWLock(func() {
		mm3, _, _, err := acc.Append(ctxbg, inbox.ID, "ab/cdef", &key, &size, nil)
		tcheck(t, err, "append after expunge")
		if mm3.UID != 3 {
			t.Fatalf("uid %d after expunge, expected 3", mm3.UID)
		}
	})

	// Expunging no present UIDs consumes no modseq.
	inbox, err = acc.MailboxID(ctxbg, inbox.ID)
	tcheck(t, err, "refetching inbox")
	before := inbox.MaxModSeq
	acc.WithWLock(func() {
		changes, err = acc.ExpungeUIDs(ctxbg, inbox.ID, []UID{999})
		tcheck(t, err, "expunging absent uid")
	})
	if len(changes) != 0 {
		t.Fatalf("absent expunge produced changes: %v", changes)
	}
	inbox, err = acc.MailboxID(ctxbg, inbox.ID)
	tcheck(t, err, "refetching inbox")
	if inbox.MaxModSeq != before {
		t.Fatalf("absent expunge advanced modseq")
	}
}

func TestCopy(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")
	dst, _, err := acc.MailboxCreate(ctxbg, "Archive", `\Archive`)
	tcheck(t, err, "creating archive")

	acc.WithWLock(func() {
		for _, path := range []string{"aa/one", "bb/two"} {
			_, _, _, err := acc.Append(ctxbg, inbox.ID, path, nil, nil, []string{`\Seen`})
			tcheck(t, err, "append")
		}

		changes, err := acc.Copy(ctxbg, inbox.ID, []UID{1, 2}, dst.ID)
		tcheck(t, err, "copy")
		if len(changes) != 2 {
			t.Fatalf("got %d changes, expected 2", len(changes))
		}
		// One modseq for the whole batch, fresh UIDs in the destination.
		c0 := changes[0].(ChangeAddUID)
		c1 := changes[1].(ChangeAddUID)
		if c0.ModSeq != c1.ModSeq {
			t.Fatalf("copy batch got different modseqs")
		}
		if c0.UID != 1 || c1.UID != 2 || c0.MailboxID != dst.ID {
			t.Fatalf("unexpected copy changes: %#v %#v", c0, c1)
		}
		if len(c0.FlagIDs) != 1 || c0.FlagIDs[0] != 4 {
			t.Fatalf("copy did not carry flags: %#v", c0)
		}
		acc.BroadcastChanges(changes)
	})

	// Both membership rows reference the same message records.
	msgs, err := acc.Messages(ctxbg, dst.ID)
	tcheck(t, err, "listing destination")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages in destination, expected 2", len(msgs))
	}
	for _, mm := range msgs {
		m := Message{ID: mm.MessageID}
		err := acc.DB.Get(ctxbg, &m)
		tcheck(t, err, "get message")
		if m.RefCount != 2 {
			t.Fatalf("refcount %d after copy, expected 2", m.RefCount)
		}
	}
}

func TestImmutableBinding(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	var mm1, mm2 MailboxMessage
	acc.WithWLock(func() {
		mm1, _, _, err = acc.Append(ctxbg, inbox.ID, "aa/one", nil, nil, nil)
		tcheck(t, err, "append")
		mm2, _, _, err = acc.Append(ctxbg, inbox.ID, "bb/two", nil, nil, nil)
		tcheck(t, err, "append")
	})

	// A membership row cannot be rebound to another message in place. Moving
	// content means expunging and appending under a fresh UID.
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		old, err := mailboxMessage(tx, inbox.ID, mm1.UID)
		tcheck(t, err, "fetching membership row")
		upd := old
		upd.MessageID = mm2.MessageID
		return updateMailboxMessage(tx, old, upd)
	})
	if !errors.Is(err, ErrImmutableBinding) {
		t.Fatalf("rebinding message: got %v, expected ErrImmutableBinding", err)
	}

	// Updates that keep the binding intact go through.
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		old, err := mailboxMessage(tx, inbox.ID, mm1.UID)
		tcheck(t, err, "fetching membership row")
		upd := old
		upd.FlagBits |= 1
		return updateMailboxMessage(tx, old, upd)
	})
	tcheck(t, err, "updating flags on membership row")
}

func TestChangesSince(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	acc.WithWLock(func() {
		for _, path := range []string{"aa/one", "bb/two", "cc/three"} {
			_, _, _, err := acc.Append(ctxbg, inbox.ID, path, nil, nil, nil)
			tcheck(t, err, "append")
		}
	})

	mc, err := acc.ChangesSince(ctxbg, inbox.ID, 0)
	tcheck(t, err, "changes since 0")
	if len(mc.Members) != 3 || len(mc.Expunged) != 0 || mc.MaxModSeq != 3 {
		t.Fatalf("unexpected full state: %d members, %d expunged, maxmodseq %d", len(mc.Members), len(mc.Expunged), mc.MaxModSeq)
	}

	acc.WithWLock(func() {
		_, err := acc.StoreFlags(ctxbg, inbox.ID, []UID{2}, StoreAdd, []string{`\Flagged`}, nil)
		tcheck(t, err, "storing flags")
		_, err = acc.ExpungeUIDs(ctxbg, inbox.ID, []UID{1})
		tcheck(t, err, "expunging")
	})

	// Resuming from the previous high-water mark yields only the newer
	// flag change and the removal.
	mc2, err := acc.ChangesSince(ctxbg, inbox.ID, mc.MaxModSeq)
	tcheck(t, err, "changes since")
	if len(mc2.Members) != 1 || mc2.Members[0].UID != 2 {
		t.Fatalf("unexpected members: %v", mc2.Members)
	}
	if len(mc2.Expunged) != 1 || mc2.Expunged[0].UID != 1 {
		t.Fatalf("unexpected expunged: %v", mc2.Expunged)
	}
	if mc2.MaxModSeq != 5 {
		t.Fatalf("maxmodseq %d, expected 5", mc2.MaxModSeq)
	}

	// From the new mark, nothing.
	mc3, err := acc.ChangesSince(ctxbg, inbox.ID, mc2.MaxModSeq)
	tcheck(t, err, "changes since latest")
	if len(mc3.Members) != 0 || len(mc3.Expunged) != 0 {
		t.Fatalf("unexpected changes after high-water mark: %v %v", mc3.Members, mc3.Expunged)
	}
}

func TestRecent(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	first, err := acc.SetRecent(ctxbg, inbox.ID)
	tcheck(t, err, "recent on empty mailbox")
	if first != 1 {
		t.Fatalf("first recent uid %d on empty mailbox, expected 1", first)
	}

	acc.WithWLock(func() {
		for _, path := range []string{"aa/one", "bb/two"} {
			_, _, _, err := acc.Append(ctxbg, inbox.ID, path, nil, nil, nil)
			tcheck(t, err, "append")
		}
	})

	first, err = acc.SetRecent(ctxbg, inbox.ID)
	tcheck(t, err, "claiming recent")
	if first != 1 {
		t.Fatalf("first recent uid %d, expected 1", first)
	}

	// A second session gets nothing, each message is recent exactly once.
	first, err = acc.SetRecent(ctxbg, inbox.ID)
	tcheck(t, err, "claiming recent again")
	if first != 3 {
		t.Fatalf("first recent uid %d after claim, expected 3", first)
	}
}

func TestComm(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	comm := RegisterComm(acc)
	defer comm.Unregister()

	acc.WithWLock(func() {
		_, _, changes, err := acc.Append(ctxbg, inbox.ID, "aa/one", nil, nil, nil)
		tcheck(t, err, "append")
		acc.BroadcastChanges(changes)
	})

	<-comm.Pending
	changes := comm.Get()
	if len(changes) != 1 {
		t.Fatalf("got %d changes, expected 1", len(changes))
	}
	add, ok := changes[0].(ChangeAddUID)
	if !ok || add.MailboxID != inbox.ID || add.UID != 1 {
		t.Fatalf("unexpected change: %#v", changes[0])
	}
	if got := comm.Get(); len(got) != 0 {
		t.Fatalf("changes not cleared after get: %v", got)
	}
}

func TestConsistency(t *testing.T) {
	acc := testAccount(t)

	inbox, err := acc.MailboxByPath(ctxbg, "Inbox")
	tcheck(t, err, "looking up inbox")

	paths := []string{"aa/one", "bb/two"}
	acc.WithWLock(func() {
		for _, path := range paths {
			_, _, _, err := acc.Append(ctxbg, inbox.ID, path, nil, nil, nil)
			tcheck(t, err, "append")
			writeBlob(t, acc, path, []byte("body of "+path))
		}
		_, err := acc.ExpungeUIDs(ctxbg, inbox.ID, []UID{2})
		tcheck(t, err, "expunging")
	})

	problems, err := acc.CheckConsistency(ctxbg)
	tcheck(t, err, "checking consistency")
	if len(problems) != 0 {
		t.Fatalf("consistency problems: %v", problems)
	}

	// The expunged message still has its record and blob, so the summaries
	// agree.
	bad, err := acc.CheckSummary(ctxbg)
	tcheck(t, err, "checking summary")
	if len(bad) != 0 {
		t.Fatalf("summary mismatch in buckets %v", bad)
	}

	// Removing a blob behind the store's back shows up in exactly the
	// bucket of its path.
	err = acc.Blobs.Remove("bb/two")
	tcheck(t, err, "removing blob")
	bad, err = acc.CheckSummary(ctxbg)
	tcheck(t, err, "checking summary")
	bucket, _ := summaryValues("bb/two")
	if len(bad) != 1 || bad[0] != bucket {
		t.Fatalf("got bad buckets %v, expected [%d]", bad, bucket)
	}
}
