// Package epochlog implements the durable, append-only epoch log of
// spec §4.1: epoch -> committed node list, immutable once written.
package epochlog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/golang/snappy"
	"github.com/google/btree"

	"github.com/flocknode/sheepcore/common/logging"
	"github.com/flocknode/sheepcore/node"
)

var logger = logging.GetLogger("epochlog")

// indexEntry is a btree item mapping an epoch to nothing but its own key;
// badger holds the value, the btree only needs to answer "does this epoch
// exist, and what is the highest one" in O(log n) without a badger scan.
type indexEntry uint32

func (e indexEntry) Less(than btree.Item) bool { return e < than.(indexEntry) }

// Log is the durable epoch log.
type Log struct {
	mu    sync.RWMutex
	db    *badger.DB
	index *btree.BTree
}

// Open opens (creating if necessary) an epoch log rooted at dir.
func Open(dir string) (*Log, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("epochlog: open badger at %s: %w", dir, err)
	}
	l := &Log{db: db, index: btree.New(32)}
	if err := l.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func epochKey(epoch uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, epoch)
	return k
}

func (l *Log) rebuildIndex() error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != 4 {
				continue
			}
			l.index.ReplaceOrInsert(indexEntry(binary.BigEndian.Uint32(key)))
		}
		return nil
	})
}

// Close releases the underlying storage.
func (l *Log) Close() error {
	return l.db.Close()
}

func encodeNodes(nodes node.List) []byte {
	return snappy.Encode(nil, node.EncodeList(nodes))
}

func decodeNodes(compressed []byte) (node.List, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("epochlog: snappy decode: %w", err)
	}
	return node.DecodeList(raw)
}

// Append durably records entry (epoch, nodes). It is idempotent for an
// identical (epoch, nodes) tuple; re-appending a different node list for an
// already-committed epoch is a programming error (spec I3: an epoch log
// entry, once written, is immutable) and panics.
func (l *Log) Append(epoch uint32, nodes node.List) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := nodes.Sorted()
	encoded := encodeNodes(sorted)

	var existing []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(epochKey(epoch))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			existing = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("epochlog: read existing epoch %d: %w", epoch, err)
	}
	if existing != nil {
		if string(existing) == string(encoded) {
			return nil // idempotent re-append
		}
		panic(fmt.Sprintf("epochlog: attempted to overwrite immutable epoch %d with a different membership", epoch))
	}

	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(epochKey(epoch), encoded)
	}); err != nil {
		return fmt.Errorf("epochlog: append epoch %d: %w", epoch, err)
	}
	l.index.ReplaceOrInsert(indexEntry(epoch))
	logger.Debug("appended epoch log entry", "epoch", epoch, "nodes", len(sorted))
	return nil
}

// Read returns the committed membership at epoch, or an empty list if no
// such entry exists.
func (l *Log) Read(epoch uint32) (node.List, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.index.Has(indexEntry(epoch)) {
		return node.List{}, nil
	}
	var encoded []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(epochKey(epoch))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			encoded = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return node.List{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epochlog: read epoch %d: %w", epoch, err)
	}
	return decodeNodes(encoded)
}

// Latest returns the highest committed epoch, or 0 if none.
func (l *Log) Latest() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var max uint32
	l.index.Descend(func(item btree.Item) bool {
		max = uint32(item.(indexEntry))
		return false
	})
	return max
}
