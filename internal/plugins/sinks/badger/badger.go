// Package badger keeps reports in an embedded badger database, for runs
// that have no Redis at hand. An empty directory opens an in-memory store.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	bdb "github.com/dgraph-io/badger/v2"

	"github.com/osvaldoandrade/lambda-tester/internal/config"
	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/registry"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

const defaultListLimit = 50

func init() {
	registry.RegisterSink(config.SinkBadger, NewFromConfig)
}

func reportKey(id string) []byte {
	return []byte("report/" + id)
}

func suitePrefix(suite string) []byte {
	return []byte("suite/" + suite + "/")
}

// suiteKey sorts by creation time inside a suite's prefix.
func suiteKey(suite string, createdAtMS int64, id string) []byte {
	return []byte(fmt.Sprintf("suite/%s/%020d/%s", suite, createdAtMS, id))
}

type Store struct {
	db *bdb.DB
}

func NewFromConfig(cfg config.Config) (sinks.Provider, error) {
	dir := cfg.Plugins.Sinks.Badger.Dir
	if cfg.Plugins.Sinks.Badger.InMemory {
		dir = ""
	}
	return Open(dir)
}

func Open(dir string) (*Store, error) {
	var opts bdb.Options
	if dir == "" {
		opts = bdb.DefaultOptions("").WithInMemory(true)
	} else {
		opts = bdb.DefaultOptions(dir).WithSyncWrites(false).WithTruncate(true)
	}
	db, err := bdb.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, cserrors.Wrap(cserrors.CSBadgerWriteFailed, "could not open report db", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string {
	return config.SinkBadger
}

func (s *Store) Store(_ context.Context, r report.Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return cserrors.Wrap(cserrors.CSBadgerWriteFailed, "failed to encode report", err)
	}
	err = s.db.Update(func(txn *bdb.Txn) error {
		if err := txn.Set(reportKey(r.ID), raw); err != nil {
			return err
		}
		return txn.Set(suiteKey(r.Suite, r.CreatedAtMS, r.ID), []byte(r.ID))
	})
	if err != nil {
		return cserrors.Wrap(cserrors.CSBadgerWriteFailed, "failed to store report", err)
	}
	return nil
}

func (s *Store) GetReport(_ context.Context, id string) (report.Report, error) {
	var out report.Report
	var raw []byte
	err := s.db.View(func(txn *bdb.Txn) error {
		item, err := txn.Get(reportKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, bdb.ErrKeyNotFound) {
		return out, report.NotFound(id)
	}
	if err != nil {
		return out, cserrors.Wrap(cserrors.CSBadgerReadFailed, "failed to read report", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, cserrors.Wrap(cserrors.CSBadgerReadFailed, "failed to decode report", err)
	}
	return out, nil
}

// ListReports walks the suite index backwards so the newest report comes
// first.
func (s *Store) ListReports(_ context.Context, suite string, limit int) ([]report.Report, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	prefix := suitePrefix(suite)
	var out []report.Report
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(reportKey(string(id)))
			if errors.Is(err, bdb.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var r report.Report
			if err := json.Unmarshal(raw, &r); err != nil {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, cserrors.Wrap(cserrors.CSBadgerReadFailed, "failed to list reports", err)
	}
	return out, nil
}

// ListSuites returns every suite that has at least one indexed report.
func (s *Store) ListSuites(_ context.Context) ([]string, error) {
	prefix := []byte("suite/")
	var out []string
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), "suite/")
			suite, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			if len(out) == 0 || out[len(out)-1] != suite {
				out = append(out, suite)
			}
		}
		return nil
	})
	if err != nil {
		return nil, cserrors.Wrap(cserrors.CSBadgerReadFailed, "failed to list suites", err)
	}
	return out, nil
}

func (s *Store) Sync() error {
	return s.db.Sync()
}

func (s *Store) Close() error {
	return s.db.Close()
}
