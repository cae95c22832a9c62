// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v2"
)

// badger has no column families, each column is a key prefix of
// "<col>\x00".
type (
	badgerdb struct {
		db       *badger.DB
		inMemory bool
		cols     map[CF]struct{}
		lock     sync.RWMutex
	}
	badgerListReader struct {
		txn     *badger.Txn
		it      *badger.Iterator
		prefix  []byte
		strip   int
		isFirst bool
	}
)

func newBadger(ctx context.Context, path string, option *Option) (Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(option.Sync)
	if option.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	} else {
		if path == "" {
			return nil, errors.New("path is empty")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}
	if option.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(option.ValueLogFileSize)
	}
	if option.MaxBackgroundCompactions > 0 {
		opts = opts.WithNumCompactors(option.MaxBackgroundCompactions)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	cols := map[CF]struct{}{defaultCF: {}}
	for _, col := range option.ColumnFamily {
		cols[col] = struct{}{}
	}
	return &badgerdb{db: db, inMemory: option.InMemory, cols: cols}, nil
}

func colPrefix(col CF) []byte {
	if col == "" {
		col = defaultCF
	}
	p := make([]byte, 0, len(col)+1)
	p = append(p, col...)
	return append(p, 0)
}

func colKey(col CF, key []byte) []byte {
	return append(colPrefix(col), key...)
}

func (s *badgerdb) CreateColumn(col CF) error {
	s.lock.Lock()
	s.cols[col] = struct{}{}
	s.lock.Unlock()
	return nil
}

func (s *badgerdb) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.cols[col]
	return ok
}

func (s *badgerdb) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(colKey(col, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *badgerdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(colKey(col, key), value)
	})
}

func (s *badgerdb) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(colKey(col, key))
	})
}

func (s *badgerdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	cp := colPrefix(col)
	full := append(append([]byte{}, cp...), prefix...)

	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = full
	it := txn.NewIterator(opts)
	if len(marker) > 0 {
		it.Seek(colKey(col, marker))
	} else {
		it.Seek(full)
	}
	return &badgerListReader{
		txn:     txn,
		it:      it,
		prefix:  full,
		strip:   len(cp),
		isFirst: true,
	}
}

func (lr *badgerListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.isFirst {
		lr.isFirst = false
	} else {
		lr.it.Next()
	}
	if !lr.it.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	item := lr.it.Item()
	raw := item.Key()
	key = make([]byte, len(raw)-lr.strip)
	copy(key, raw[lr.strip:])
	if value, err = item.ValueCopy(nil); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func (lr *badgerListReader) Close() {
	lr.it.Close()
	lr.txn.Discard()
}

func (s *badgerdb) FlushCF(ctx context.Context, col CF) error {
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *badgerdb) Stats(ctx context.Context) (Stats, error) {
	lsm, vlog := s.db.Size()
	return Stats{Used: uint64(lsm + vlog)}, nil
}

func (s *badgerdb) Close() {
	s.db.Close()
}
