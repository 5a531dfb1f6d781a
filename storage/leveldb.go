package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/trustchain/chain"
)

// ErrNotFound is returned by Journal lookups that miss.
var ErrNotFound = errors.New("storage: not found")

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{batch: new(leveldb.Batch), db: l.db}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	batch *leveldb.Batch
	db    *leveldb.DB
}

func (b *levelBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)      { b.batch.Delete(key) }
func (b *levelBatch) Write() error           { return b.db.Write(b.batch, nil) }
func (b *levelBatch) Reset()                 { b.batch.Reset() }

// ---- Journal: the optional per-node chain WAL (spec §6, "persisted state:
// none required by the core... MAY add a WAL without affecting
// correctness") ----

// Journal is a write-ahead log of a node's own chain, keyed by seq. It
// exists purely so a restarted node can reconstruct its Chain without
// replaying the network; consensus correctness never depends on it.
type Journal struct {
	db DB
}

// NewJournal wraps db as a chain journal.
func NewJournal(db DB) *Journal {
	return &Journal{db: db}
}

func blockKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("block:%020d", seq))
}

// AppendCp persists cp at its own seq.
func (j *Journal) AppendCp(cp *chain.CpBlock) error {
	data, err := chain.EncodeCpBlockRLP(cp)
	if err != nil {
		return err
	}
	return j.db.Set(append(blockKey(cp.Seq()), 'C'), data)
}

// AppendTx persists tx at its own seq.
func (j *Journal) AppendTx(tx *chain.TxBlock) error {
	data, err := chain.EncodeTxBlockRLP(tx)
	if err != nil {
		return err
	}
	return j.db.Set(append(blockKey(tx.Seq()), 'T'), data)
}

// LoadCp reads back a persisted CpBlock at seq.
func (j *Journal) LoadCp(seq uint64) (*chain.CpBlock, error) {
	data, err := j.db.Get(append(blockKey(seq), 'C'))
	if err != nil {
		return nil, err
	}
	var cp chain.CpBlock
	if err := chain.DecodeCpBlockRLP(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// LoadTx reads back a persisted TxBlock at seq.
func (j *Journal) LoadTx(seq uint64) (*chain.TxBlock, error) {
	data, err := j.db.Get(append(blockKey(seq), 'T'))
	if err != nil {
		return nil, err
	}
	var tx chain.TxBlock
	if err := chain.DecodeTxBlockRLP(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
