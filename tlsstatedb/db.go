// Package tlsstatedb tracks the best TLS properties previously seen per
// destination domain, as a monotonic security ratchet: once a domain has
// shown it supports STARTTLS, a valid certificate or a TLS version, later
// observations claiming less are recorded as potential downgrades and do not
// lower the stored state.
package tlsstatedb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mvault/mvault/mlog"
	"github.com/mvault/mvault/mvault-"
)

var xlog = mlog.New("tlsstatedb")

var (
	metricDowngrade = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mvault_tlsstate_downgrade_total",
		Help: "Observations offering less TLS security than previously seen for the domain.",
	})
)

var timeNow = time.Now // Tests override this.

// TLSStatus is the remembered best-seen TLS state for a domain.
type TLSStatus struct {
	Domain      string    // Lower-case, the primary key.
	FirstSeen   time.Time `bstore:"default now"`
	LastUpdated time.Time

	// Each field only ever ratchets up.
	STARTTLS   bool
	ValidCert  bool
	TLSVersion uint16 // E.g. tls.VersionTLS13. 0 when never seen with TLS.
}

var (
	dbpath     string
	mutex      sync.Mutex
	tlsstateDB *bstore.DB
)

func database(ctx context.Context) (rdb *bstore.DB, rerr error) {
	mutex.Lock()
	defer mutex.Unlock()
	if tlsstateDB == nil {
		db, err := bstore.Open(ctx, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, TLSStatus{})
		if err != nil {
			return nil, err
		}
		tlsstateDB = db
	}
	return tlsstateDB, nil
}

// Init opens the database, creating it if needed.
func Init() error {
	dbpath = mvault.DataDirPath("tlsstate.db")
	os.MkdirAll(filepath.Dir(dbpath), 0770)
	_, err := database(mvault.Shutdown)
	return err
}

// Close closes the database connection.
func Close() {
	mutex.Lock()
	defer mutex.Unlock()
	if tlsstateDB != nil {
		err := tlsstateDB.Close()
		xlog.Check(err, "closing tlsstate database")
		tlsstateDB = nil
	}
}

// Observe merges an observed TLS state for a domain into the stored state.
// Stored properties only ever improve: an observation below the stored state
// leaves it untouched and counts as a potential downgrade, which the caller
// can use to refuse or flag the connection.
func Observe(ctx context.Context, domain string, starttls, validCert bool, tlsVersion uint16) (downgrade bool, rerr error) {
	log := xlog.WithContext(ctx)
	domain = strings.ToLower(domain)
	if domain == "" {
		return false, fmt.Errorf("empty domain")
	}

	db, err := database(ctx)
	if err != nil {
		return false, err
	}

	err = db.Write(ctx, func(tx *bstore.Tx) error {
		st := TLSStatus{Domain: domain}
		err := tx.Get(&st)
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		if errors.Is(err, bstore.ErrAbsent) {
			st = TLSStatus{
				Domain:      domain,
				FirstSeen:   timeNow(),
				LastUpdated: timeNow(),
				STARTTLS:    starttls,
				ValidCert:   validCert,
				TLSVersion:  tlsVersion,
			}
			return tx.Insert(&st)
		}

		if st.STARTTLS && !starttls || st.ValidCert && !validCert || tlsVersion < st.TLSVersion {
			downgrade = true
		}
		st.STARTTLS = st.STARTTLS || starttls
		st.ValidCert = st.ValidCert || validCert
		if tlsVersion > st.TLSVersion {
			st.TLSVersion = tlsVersion
		}
		st.LastUpdated = timeNow()
		return tx.Update(&st)
	})
	if err != nil {
		return false, err
	}
	if downgrade {
		metricDowngrade.Inc()
		log.Info("tls state below previously seen for domain", mlog.Field("domain", domain))
	}
	return downgrade, nil
}

// Lookup returns the stored TLS state for a domain. A domain never seen
// returns bstore.ErrAbsent.
func Lookup(ctx context.Context, domain string) (TLSStatus, error) {
	db, err := database(ctx)
	if err != nil {
		return TLSStatus{}, err
	}
	st := TLSStatus{Domain: strings.ToLower(domain)}
	err = db.Get(ctx, &st)
	return st, err
}

// Records returns all stored domains, sorted by domain.
func Records(ctx context.Context) ([]TLSStatus, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[TLSStatus](ctx, db).SortAsc("Domain").List()
}
