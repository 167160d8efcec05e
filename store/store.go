/*
Package store implements the transactional state engine for an account of the
mail store: the mailbox hierarchy, the content-addressed message records with
wrapped session keys, per-mailbox UID and modseq allocation, flag storage, the
expunge log, the outbound spool and the background reclamation of orphaned
messages.

Layout of storage for accounts:

	<DataDir>/accounts/<name>/index.db

Index.db holds all tables. Message bodies are not stored here, they are
addressed by the path string in each Message record, conventionally derived
from a content hash with a directory-sharding prefix (see MessagePath), but
arbitrary paths are tolerated to support manual recovery. Reading and writing
of bodies is the caller's concern, the store only consumes a BlobStore for
reclamation and consistency scanning.

All mutations to mailbox counters, message reference counts and flag state go
through methods on Account, inside a single bstore transaction spanning
read-of-current-state, computation and write-of-new-state. The underlying
database serializes write transactions, so no two transactions can observe or
claim the same UID or modseq for a mailbox.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mvault/mvault/mlog"
	"github.com/mvault/mvault/mvault-"
)

var xlog = mlog.New("store")

var timeNow = time.Now // Tests override this.

var (
	ErrMailboxAbsent       = errors.New("no such mailbox")
	ErrMailboxExists       = errors.New("mailbox already exists")
	ErrMailboxUnselectable = errors.New("mailbox not selectable")
	ErrMessageAbsent       = errors.New("no such message")
	ErrModSeqConflict      = errors.New("modseq conflict") // Retryable, the flags precondition failed.
	ErrImmutableBinding    = errors.New("mailbox message binding is immutable")
	ErrSpoolExists         = errors.New("message already spooled")
)

// UID is a per-mailbox, monotonically assigned identifier for a message
// instance. Never reused within a mailbox's lifetime.
type UID uint32

// ModSeq is a modification sequence number, monotonically increasing per
// mailbox. Used for incremental change detection. The first assigned value in
// a mailbox is 1.
type ModSeq int64

// Mailbox is a node in the mailbox hierarchy. ParentID 0 refers to the
// reserved root sentinel, which is never a row itself and never visible to
// users. A mailbox is never removed once it has seen messages (its expunge
// log must remain replayable); it is marked unselectable instead.
type Mailbox struct {
	ID       int64
	ParentID int64  `bstore:"unique ParentID+Name,index ParentID"`
	Name     string `bstore:"nonzero"`

	// Unselectable mailboxes remain reachable as hierarchy nodes but refuse
	// new content.
	Selectable bool

	// Special-use hint, e.g. `\Archive`, `\Trash`. Empty for regular
	// mailboxes.
	SpecialUse string

	// UID assigned to the next appended message. Only ever bumped on append.
	NextUID UID

	// Highest UID that has been claimed as "recent" by a session, see
	// SetRecent.
	RecentUID UID

	// Highest modification sequence assigned in this mailbox. Every append,
	// flag change and expunge advances it.
	MaxModSeq ModSeq
}

// UIDValidity of the mailbox. Mailbox ids come from the database's
// ever-increasing sequence, so a recreated mailbox of the same name gets a new
// UIDValidity, as IMAP requires.
func (mb Mailbox) UIDValidity() uint32 {
	return uint32(mb.ID)
}

// Flag is a registered flag name with its stable id. Ids determine bit
// positions for ids below 64, and are never reused once assigned. Names are
// ASCII, stored lower-case; lookups are case-insensitive.
type Flag struct {
	Name string // Lower-case.
	ID   int64  `bstore:"unique"`
}

// NextFlagID is a singleton record with the next flag id to assign.
type NextFlagID struct {
	ID   int // Just a single record with ID 1.
	Next int64
}

// Message is one physical, deduplicated message body, possibly referenced by
// multiple mailboxes and/or the spool. Created on first ingestion of a unique
// path, removed by maintenance once no references remain and the retention
// window has passed.
type Message struct {
	ID int64

	// Storage path of the body, conventionally content-hash derived
	// (MessagePath), but arbitrary paths are tolerated.
	Path string `bstore:"nonzero,unique"`

	// The 16-byte session key, XOR-combined with the keyed-MAC pad for this
	// message id (see KeyMaterial). Nil when the session key is not known.
	WrappedKey []byte

	// Body size in bytes, nil when unknown.
	Size *int64

	// Refreshed on every reference change. Guards reclamation against racing
	// an in-flight transaction that is about to re-reference the message.
	LastActivity time.Time `bstore:"default now,index"`

	// Count of live MailboxMessage rows plus live SpoolEntry rows referencing
	// this message. Maintained only through Account methods.
	RefCount int

	// Derived from Path, for the bucketed consistency scan comparing the
	// table against the blob directory without enumerating every file.
	SummaryBucket    uint8
	SummaryIncrement uint16 // In 1..65535.
}

// MailboxMessage is an instance of a message in a mailbox, addressed by
// (mailbox, UID). Once created, its MessageID never changes; rebinding is
// modeled as expunge plus append under a fresh UID.
type MailboxMessage struct {
	ID        int64
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,index MailboxID+FlagsModSeq,ref Mailbox"`
	UID       UID   `bstore:"nonzero"`
	MessageID int64 `bstore:"nonzero,ref Message"`

	// Flag state for flag ids 0-63, one bit per id. Ids 64 and up are
	// FarFlag rows.
	FlagBits int64

	SavedAt time.Time `bstore:"default now"`

	// Modseq at which this row was created, and at which its flags last
	// changed. AppendModSeq <= FlagsModSeq always.
	AppendModSeq ModSeq
	FlagsModSeq  ModSeq
}

// FarFlag is a membership row for a flag with id 64 or higher on a mailbox
// message. Flags with lower ids live in MailboxMessage.FlagBits.
type FarFlag struct {
	ID        int64
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID+FlagID,index MailboxID+UID"`
	UID       UID   `bstore:"nonzero"`
	FlagID    int64 `bstore:"nonzero"`
}

// Expunge records one message removal. Rows are never updated or deleted,
// they form the durable, ordered removal log per mailbox that incremental
// synchronization replays.
type Expunge struct {
	ID        int64
	MailboxID int64  `bstore:"nonzero,unique MailboxID+ModSeq+UID,index MailboxID+ModSeq,ref Mailbox"`
	ModSeq    ModSeq `bstore:"nonzero"`
	UID       UID    `bstore:"nonzero"`
}

// Subscription is a subscribed mailbox path. Subscriptions are separate from
// existence of mailboxes.
type Subscription struct {
	Name string
}

// MaintenanceRun is the soft coordination lock for periodic jobs, keyed by
// job name. A job refuses to start when another run started within the
// configured staleness window. Two processes can still race into the same
// window under abnormal clock conditions; that is accepted, the jobs
// themselves are safe to run concurrently.
type MaintenanceRun struct {
	Name    string
	Started time.Time
}

// SpoolEntry is an outbound message awaiting delivery. The message id is the
// primary key: a message is spooled at most once at a time. A live entry
// counts as one reference on the message, regardless of the number of
// destinations.
type SpoolEntry struct {
	MessageID    int64 `bstore:"noauto"`
	TransferMode TransferMode
	MailFrom     string
	Expires      time.Time `bstore:"nonzero,index"`
}

// SpoolDestination is one remaining destination of a spooled message. The
// delivery layer removes destinations individually as they are handled; the
// entry goes with the last one.
type SpoolDestination struct {
	ID        int64
	MessageID int64  `bstore:"nonzero,unique MessageID+Recipient,ref SpoolEntry"`
	Recipient string `bstore:"nonzero"`
}

// DBTypes are the types stored in the account database.
var DBTypes = []any{Mailbox{}, Flag{}, NextFlagID{}, Message{}, MailboxMessage{}, FarFlag{}, Expunge{}, Subscription{}, MaintenanceRun{}, SpoolEntry{}, SpoolDestination{}}

// BlobStore is the store's view of the message body storage. Bodies are
// written and read by the caller; the store removes them during reclamation
// and compares per-bucket totals during consistency scanning.
type BlobStore interface {
	// Remove the body at path. Missing paths are not an error.
	Remove(path string) error

	// BucketTotals walks the stored bodies once and returns, per summary
	// bucket, the sum of the summary increments of the paths present.
	BucketTotals() (map[uint8]uint64, error)
}

// Account is an open account store. A single shared Account exists per name,
// with reference-counted opens.
//
// The write lock must be held for mutations to mailboxes, messages and the
// spool. A read lock suffices for reads. When making changes, they must be
// broadcast before releasing the lock, to ensure proper UID ordering for
// sessions.
type Account struct {
	Name   string     // Name, as opened.
	Dir    string     // Directory of the account, holding the database.
	DBPath string     // Path to index.db.
	DB     *bstore.DB // Open database connection.
	Keys   KeyMaterial
	Blobs  BlobStore

	sync.RWMutex

	commsLock sync.Mutex
	comms     map[*Comm]struct{}

	nused int // Reference count, while >0 this account is alive and shared.
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

func closeAccount(acc *Account) (rerr error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	acc.nused--
	if acc.nused == 0 {
		rerr = acc.DB.Close()
		acc.DB = nil
		delete(openAccounts.names, acc.Name)
	}
	return
}

// OpenAccount opens an account by name, creating it if it does not exist yet.
// A single shared account exists per name; keys and blobs are only applied by
// the first open.
func OpenAccount(name string, keys KeyMaterial, blobs BlobStore) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	acc, err := openAccount(name, keys, blobs)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

func openAccount(name string, keys KeyMaterial, blobs BlobStore) (a *Account, rerr error) {
	dir := filepath.Join(mvault.DataDirPath("accounts"), name)
	dbpath := filepath.Join(dir, "index.db")

	// Create account if it doesn't exist yet.
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	db, err := bstore.Open(context.TODO(), dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr != nil {
			db.Close()
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	if isNew {
		if err := initAccount(db); err != nil {
			return nil, fmt.Errorf("initializing account: %v", err)
		}
	}

	return &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
		Keys:   keys,
		Blobs:  blobs,
		comms:  map[*Comm]struct{}{},
	}, nil
}

func initAccount(db *bstore.DB) error {
	return db.Write(context.TODO(), func(tx *bstore.Tx) error {
		mb := Mailbox{Name: "Inbox", Selectable: true, NextUID: 1}
		if err := tx.Insert(&mb); err != nil {
			return fmt.Errorf("creating inbox: %w", err)
		}
		if err := tx.Insert(&Subscription{"Inbox"}); err != nil {
			return fmt.Errorf("adding subscription: %w", err)
		}

		// System flags get the five fixed low bit positions.
		for id, name := range systemFlags {
			if err := tx.Insert(&Flag{Name: name, ID: int64(id)}); err != nil {
				return fmt.Errorf("registering system flag: %w", err)
			}
		}
		if err := tx.Insert(&NextFlagID{1, int64(len(systemFlags))}); err != nil {
			return fmt.Errorf("inserting next flag id: %w", err)
		}
		return nil
	})
}

// Close reduces the reference count, closing the database connection when it
// was the last user.
func (a *Account) Close() error {
	return closeAccount(a)
}

// WithWLock runs fn with the account write lock held. Necessary for
// mailbox/message/spool mutations.
func (a *Account) WithWLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

// WithRLock runs fn with the account read lock held.
func (a *Account) WithRLock(fn func()) {
	a.RLock()
	defer a.RUnlock()
	fn()
}
