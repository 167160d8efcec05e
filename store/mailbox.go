package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"
)

// mailboxByPath resolves a slash-separated path from the root, e.g.
// "Archive/2024", to its mailbox. The root itself is not addressable.
func mailboxByPath(tx *bstore.Tx, path string) (Mailbox, error) {
	var mb Mailbox
	parentID := int64(0)
	elems := strings.Split(path, "/")
	for _, elem := range elems {
		if elem == "" {
			return Mailbox{}, fmt.Errorf("%w: bad path %q", ErrMailboxAbsent, path)
		}
		var err error
		mb, err = bstore.QueryTx[Mailbox](tx).FilterEqual("ParentID", parentID).FilterEqual("Name", elem).Get()
		if err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return Mailbox{}, ErrMailboxAbsent
			}
			return Mailbox{}, err
		}
		parentID = mb.ID
	}
	return mb, nil
}

// mailboxPath returns the full slash-separated path of a mailbox.
func mailboxPath(tx *bstore.Tx, mb Mailbox) (string, error) {
	path := mb.Name
	for mb.ParentID != 0 {
		parent := Mailbox{ID: mb.ParentID}
		if err := tx.Get(&parent); err != nil {
			return "", fmt.Errorf("resolving parent of mailbox %d: %w", mb.ID, err)
		}
		path = parent.Name + "/" + path
		mb = parent
	}
	return path, nil
}

// MailboxByPath looks up a mailbox by its slash-separated path.
func (a *Account) MailboxByPath(ctx context.Context, path string) (Mailbox, error) {
	var mb Mailbox
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = mailboxByPath(tx, path)
		return err
	})
	return mb, err
}

// MailboxID fetches a mailbox by id.
func (a *Account) MailboxID(ctx context.Context, id int64) (Mailbox, error) {
	mb := Mailbox{ID: id}
	err := a.DB.Get(ctx, &mb)
	if errors.Is(err, bstore.ErrAbsent) {
		return Mailbox{}, ErrMailboxAbsent
	}
	return mb, err
}

// MailboxChildren lists the direct children of a mailbox, or of the root for
// id 0, sorted by name.
func (a *Account) MailboxChildren(ctx context.Context, parentID int64) ([]Mailbox, error) {
	return bstore.QueryDB[Mailbox](ctx, a.DB).FilterEqual("ParentID", parentID).SortAsc("Name").List()
}

// MailboxCreate makes a new mailbox at path, creating any missing ancestors
// along the way. The last path element must not exist yet, but an existing
// unselectable node at an intermediate position is fine and is reused. Caller
// must hold the account write lock and broadcast the returned changes.
func (a *Account) MailboxCreate(ctx context.Context, path, specialUse string) (Mailbox, []Change, error) {
	var mb Mailbox
	var changes []Change
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		parentID := int64(0)
		elems := strings.Split(path, "/")
		prefix := ""
		for i, elem := range elems {
			if elem == "" {
				return fmt.Errorf("bad path %q", path)
			}
			if prefix != "" {
				prefix += "/"
			}
			prefix += elem
			last := i == len(elems)-1

			existing, err := bstore.QueryTx[Mailbox](tx).FilterEqual("ParentID", parentID).FilterEqual("Name", elem).Get()
			if err != nil && !errors.Is(err, bstore.ErrAbsent) {
				return err
			}
			if err == nil {
				if last {
					return fmt.Errorf("%w: %q", ErrMailboxExists, path)
				}
				parentID = existing.ID
				continue
			}

			nmb := Mailbox{ParentID: parentID, Name: elem, Selectable: true, NextUID: 1}
			if last {
				nmb.SpecialUse = specialUse
			}
			if err := tx.Insert(&nmb); err != nil {
				return fmt.Errorf("creating mailbox %q: %w", prefix, err)
			}
			changes = append(changes, ChangeAddMailbox{nmb, prefix})
			parentID = nmb.ID
			if last {
				mb = nmb
			}
		}
		return nil
	})
	if err != nil {
		return Mailbox{}, nil, err
	}
	return mb, changes, nil
}

// MailboxRename moves the mailbox at oldPath to newPath, carrying its whole
// subtree with it since children reference it by id. Missing ancestors of the
// new path are created. Renaming under its own subtree is rejected. Caller
// must hold the account write lock and broadcast the returned changes.
func (a *Account) MailboxRename(ctx context.Context, oldPath, newPath string) ([]Change, error) {
	if oldPath == newPath {
		return nil, fmt.Errorf("%w: old and new name are the same", ErrMailboxExists)
	}
	var changes []Change
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := mailboxByPath(tx, oldPath)
		if err != nil {
			return err
		}
		if _, err := mailboxByPath(tx, newPath); err == nil {
			return fmt.Errorf("%w: %q", ErrMailboxExists, newPath)
		} else if !errors.Is(err, ErrMailboxAbsent) {
			return err
		}
		if strings.HasPrefix(newPath, oldPath+"/") {
			return fmt.Errorf("%w: cannot rename %q into its own subtree", ErrMailboxExists, oldPath)
		}

		elems := strings.Split(newPath, "/")
		parentID := int64(0)
		prefix := ""
		for _, elem := range elems[:len(elems)-1] {
			if elem == "" {
				return fmt.Errorf("bad path %q", newPath)
			}
			if prefix != "" {
				prefix += "/"
			}
			prefix += elem
			parent, err := bstore.QueryTx[Mailbox](tx).FilterEqual("ParentID", parentID).FilterEqual("Name", elem).Get()
			if err != nil && !errors.Is(err, bstore.ErrAbsent) {
				return err
			}
			if err == nil {
				parentID = parent.ID
				continue
			}
			nmb := Mailbox{ParentID: parentID, Name: elem, Selectable: true, NextUID: 1}
			if err := tx.Insert(&nmb); err != nil {
				return fmt.Errorf("creating ancestor %q: %w", prefix, err)
			}
			changes = append(changes, ChangeAddMailbox{nmb, prefix})
			parentID = nmb.ID
		}

		name := elems[len(elems)-1]
		if name == "" {
			return fmt.Errorf("bad path %q", newPath)
		}
		mb.ParentID = parentID
		mb.Name = name
		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("moving mailbox: %w", err)
		}
		changes = append(changes, ChangeRenameMailbox{mb.ID, oldPath, newPath})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// MailboxMarkUnselectable makes a mailbox refuse new content while keeping it
// as a hierarchy node. Mailboxes are never deleted once they have assigned
// UIDs, their expunge history must stay replayable; marking unselectable is
// the removal analogue.
func (a *Account) MailboxMarkUnselectable(ctx context.Context, path string) (Mailbox, error) {
	var mb Mailbox
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = mailboxByPath(tx, path)
		if err != nil {
			return err
		}
		if !mb.Selectable {
			return nil
		}
		mb.Selectable = false
		return tx.Update(&mb)
	})
	return mb, err
}

// SubscriptionEnsure adds a subscription for a mailbox path if not yet
// present. Subscriptions can reference paths that do not (or no longer)
// exist. Caller must broadcast the returned changes.
func (a *Account) SubscriptionEnsure(ctx context.Context, path string) ([]Change, error) {
	var changes []Change
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		err := tx.Get(&Subscription{path})
		if err == nil {
			return nil
		}
		if !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		if err := tx.Insert(&Subscription{path}); err != nil {
			return err
		}
		changes = append(changes, ChangeAddSubscription{path})
		return nil
	})
	return changes, err
}

// SubscriptionRemove drops a subscription. Removing an absent subscription
// is not an error.
func (a *Account) SubscriptionRemove(ctx context.Context, path string) error {
	err := a.DB.Delete(ctx, &Subscription{path})
	if errors.Is(err, bstore.ErrAbsent) {
		return nil
	}
	return err
}

// Subscriptions lists all subscribed paths.
func (a *Account) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return bstore.QueryDB[Subscription](ctx, a.DB).SortAsc("Name").List()
}
