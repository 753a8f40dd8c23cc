package storage

import (
	"errors"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/portlink/go-portlink/pkg/lib/log"
)

var logger = log.Logger("core/storage")

// ============================================================================
//                              BadgerDB 引擎
// ============================================================================

// BadgerEngine 基于 BadgerDB 的持久化引擎
type BadgerEngine struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger 在指定目录打开 BadgerDB 引擎
func OpenBadger(dir string) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("BadgerDB 引擎已打开", "dir", dir)
	return &BadgerEngine{db: db}, nil
}

// Get 实现 Engine
func (e *BadgerEngine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put 实现 Engine
func (e *BadgerEngine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete 实现 Engine
func (e *BadgerEngine) Delete(key []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Close 实现 Engine
func (e *BadgerEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}
