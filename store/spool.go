package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mvault/mvault/mvault-"
)

var (
	metricSpoolEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mvault_spool_enqueued_total",
		Help: "Messages added to the outbound spool.",
	})
	metricSpoolDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mvault_spool_destinations_done_total",
		Help: "Spool destinations handled by the delivery layer.",
	})
	metricSpoolExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mvault_spool_expired_total",
		Help: "Spool entries removed because their expiry passed.",
	})
)

// TransferMode is the SMTP body transfer mode a spooled message requires.
type TransferMode string

const (
	TransferMode7Bit       TransferMode = "7bit"
	TransferMode8BitMIME   TransferMode = "8bitmime"
	TransferModeBinaryMIME TransferMode = "binarymime"
)

// SpoolEnqueue puts a message on the outbound spool for the given recipients.
// The message must already be ingested; a live spool entry counts as one
// reference regardless of the number of destinations. A message can be
// spooled at most once at a time. Caller must hold the account write lock.
func (a *Account) SpoolEnqueue(ctx context.Context, messageID int64, mode TransferMode, mailFrom string, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Message{ID: messageID}
		if err := tx.Get(&m); err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return ErrMessageAbsent
			}
			return err
		}

		err := tx.Get(&SpoolEntry{MessageID: messageID})
		if err == nil {
			return fmt.Errorf("%w: message %d", ErrSpoolExists, messageID)
		}
		if !errors.Is(err, bstore.ErrAbsent) {
			return err
		}

		e := SpoolEntry{
			MessageID:    messageID,
			TransferMode: mode,
			MailFrom:     mailFrom,
			Expires:      timeNow().Add(mvault.Conf.Static.SpoolExpiryOrDefault()),
		}
		if err := tx.Insert(&e); err != nil {
			return fmt.Errorf("inserting spool entry: %w", err)
		}
		for _, rcpt := range recipients {
			if err := tx.Insert(&SpoolDestination{MessageID: messageID, Recipient: rcpt}); err != nil {
				return fmt.Errorf("inserting spool destination: %w", err)
			}
		}

		m.RefCount++
		m.LastActivity = timeNow()
		return tx.Update(&m)
	})
	if err != nil {
		return err
	}
	metricSpoolEnqueued.Inc()
	return nil
}

// SpoolDestinationDone marks one destination of a spooled message as handled,
// whether delivered or permanently failed. When it was the last destination,
// the entry is removed and the message reference released. Returns the number
// of destinations still pending. Caller must hold the account write lock.
func (a *Account) SpoolDestinationDone(ctx context.Context, messageID int64, recipient string) (remaining int, rerr error) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		d, err := bstore.QueryTx[SpoolDestination](tx).FilterNonzero(SpoolDestination{MessageID: messageID, Recipient: recipient}).Get()
		if err != nil {
			if errors.Is(err, bstore.ErrAbsent) {
				return fmt.Errorf("%w: no spool destination %q for message %d", ErrMessageAbsent, recipient, messageID)
			}
			return err
		}
		if err := tx.Delete(&SpoolDestination{ID: d.ID}); err != nil {
			return err
		}

		n, err := bstore.QueryTx[SpoolDestination](tx).FilterNonzero(SpoolDestination{MessageID: messageID}).Count()
		if err != nil {
			return err
		}
		remaining = n
		if n > 0 {
			return nil
		}
		if err := tx.Delete(&SpoolEntry{MessageID: messageID}); err != nil {
			return err
		}
		return decrefMessage(tx, messageID)
	})
	if err != nil {
		return 0, err
	}
	metricSpoolDelivered.Inc()
	return remaining, nil
}

// SpoolExpire removes spool entries whose expiry has passed, with all their
// remaining destinations, releasing their message references. Caller must
// hold the account write lock.
func (a *Account) SpoolExpire(ctx context.Context) (expired int, rerr error) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		entries, err := bstore.QueryTx[SpoolEntry](tx).FilterLessEqual("Expires", timeNow()).List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := bstore.QueryTx[SpoolDestination](tx).FilterNonzero(SpoolDestination{MessageID: e.MessageID}).Delete(); err != nil {
				return err
			}
			if err := tx.Delete(&SpoolEntry{MessageID: e.MessageID}); err != nil {
				return err
			}
			if err := decrefMessage(tx, e.MessageID); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metricSpoolExpired.Add(float64(expired))
	return expired, nil
}

// SpoolStatus is a spool entry with its pending destinations, for listings.
type SpoolStatus struct {
	SpoolEntry
	Recipients []string
}

// SpoolList returns all spooled messages with their pending destinations,
// ascending by expiry.
func (a *Account) SpoolList(ctx context.Context) ([]SpoolStatus, error) {
	var l []SpoolStatus
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		entries, err := bstore.QueryTx[SpoolEntry](tx).SortAsc("Expires").List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			st := SpoolStatus{SpoolEntry: e}
			err := bstore.QueryTx[SpoolDestination](tx).FilterNonzero(SpoolDestination{MessageID: e.MessageID}).SortAsc("Recipient").ForEach(func(d SpoolDestination) error {
				st.Recipients = append(st.Recipients, d.Recipient)
				return nil
			})
			if err != nil {
				return err
			}
			l = append(l, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
