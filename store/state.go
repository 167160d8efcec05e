package store

// Change is emitted to all registered Comms of an account when state
// changes. Sessions apply pending changes to bring their view of mailboxes
// up to date.
type Change any

// ChangeAddUID is sent for a new message in a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	FlagIDs   []int64 // Flag ids set at append time.
}

// ChangeRemoveUIDs is sent for expunged messages, a single modseq per batch.
type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []UID // Ascending.
	ModSeq    ModSeq
}

// ChangeFlags is sent for an updated flag state on a message.
type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	FlagIDs   []int64 // Full resulting flag set.
}

// ChangeAddMailbox is sent for a newly created mailbox, including ancestors
// created implicitly.
type ChangeAddMailbox struct {
	Mailbox Mailbox
	Path    string
}

// ChangeRenameMailbox is sent when a mailbox is moved or renamed. Children
// keep referencing the mailbox by id, so a single change covers the subtree.
type ChangeRenameMailbox struct {
	MailboxID int64
	OldPath   string
	NewPath   string
}

// ChangeAddSubscription is sent for a new subscription.
type ChangeAddSubscription struct {
	Path string
}

// Comm handles the changes of an account for a single session. Sessions
// register a Comm and collect pending changes at safe points in their
// protocol handling.
//
// Changes are broadcast while holding the account write lock, and must be
// fetched with the lock unheld, hence the buffered nonblocking setup.
type Comm struct {
	Pending chan struct{} // Receives a token after changes have been added.

	acc     *Account
	changes []Change
}

// RegisterComm starts a Comm for the account.
func RegisterComm(acc *Account) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1),
		acc:     acc,
	}
	acc.commsLock.Lock()
	defer acc.commsLock.Unlock()
	acc.comms[c] = struct{}{}
	return c
}

// Unregister stops the Comm. Pending changes are dropped.
func (c *Comm) Unregister() {
	c.acc.commsLock.Lock()
	defer c.acc.commsLock.Unlock()
	delete(c.acc.comms, c)
	c.changes = nil
}

// Get returns the pending changes, clearing them.
func (c *Comm) Get() []Change {
	c.acc.commsLock.Lock()
	defer c.acc.commsLock.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// BroadcastChanges hands changes to all Comms registered on the account.
// Must be called while holding the account write lock, before releasing it,
// so sessions see appends in UID order.
func (a *Account) BroadcastChanges(changes []Change) {
	if len(changes) == 0 {
		return
	}
	a.commsLock.Lock()
	defer a.commsLock.Unlock()
	for c := range a.comms {
		c.changes = append(c.changes, changes...)
		select {
		case c.Pending <- struct{}{}:
		default:
		}
	}
}
