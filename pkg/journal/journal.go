// Package journal keeps an append-only audit trail of every order and trade
// record the trading channel receives. Records are never deleted.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
)

const (
	orderPrefix = "order:"
	tradePrefix = "trade:"
)

// Registrar is satisfied by the gateway facade.
type Registrar interface {
	RegisterCallback(kind events.Kind, l events.Listener)
}

type Journal struct {
	db     database.Database
	logger log.Logger

	orders atomic.Uint64
	trades atomic.Uint64
}

// Open opens a BadgerDB journal under dir, falling back to memory when dir
// is empty or the store cannot be opened.
func Open(dir string, logger log.Logger) (*Journal, error) {
	logger = logger.New("module", "journal")

	dataPath := dir
	if dataPath == "" {
		dataPath = os.TempDir()
	} else if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	dbManager := manager.NewManager(dataPath, nil)

	if dir != "" {
		dbConfig := manager.DefaultBadgerDBConfig("journal")
		dbConfig.Namespace = "ctpgw"
		db, err := dbManager.New(dbConfig)
		if err == nil {
			logger.Info("Journal opened", "path", filepath.Join(dataPath, "journal"))
			return New(db, logger), nil
		}
		logger.Warn("Failed to open BadgerDB journal", "error", err)
	}

	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create journal database: %w", err)
	}
	logger.Info("Using in-memory journal")
	return New(db, logger), nil
}

func New(db database.Database, logger log.Logger) *Journal {
	return &Journal{db: db, logger: logger}
}

// Register records every order and trade push delivered through r.
func (j *Journal) Register(r Registrar) {
	r.RegisterCallback(events.OrderUpdate, j.onOrder)
	r.RegisterCallback(events.TradeUpdate, j.onTrade)
}

func (j *Journal) onOrder(e events.Event) error {
	o, ok := e.Payload.(*ctp.Order)
	if !ok {
		return fmt.Errorf("journal: unexpected order payload %T", e.Payload)
	}
	return j.RecordOrder(*o)
}

func (j *Journal) onTrade(e events.Event) error {
	t, ok := e.Payload.(*ctp.Trade)
	if !ok {
		return fmt.Errorf("journal: unexpected trade payload %T", e.Payload)
	}
	return j.RecordTrade(*t)
}

// RecordOrder stores the latest version of an order under its cache key.
func (j *Journal) RecordOrder(o ctp.Order) error {
	value, err := json.Marshal(o)
	if err != nil {
		return err
	}

	batch := j.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put([]byte(orderPrefix+cache.KeyOf(&o)), value); err != nil {
		return err
	}
	if o.OrderSysID != "" {
		if err := batch.Put([]byte("sys:"+o.OrderSysID), []byte(cache.KeyOf(&o))); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("journal order %s: %w", o.OrderRef, err)
	}
	j.orders.Add(1)
	return nil
}

// RecordTrade stores a trade once; later writes of the same id are ignored.
func (j *Journal) RecordTrade(t ctp.Trade) error {
	key := []byte(tradePrefix + t.TradeID)
	has, err := j.db.Has(key)
	if err != nil {
		return err
	}
	if has {
		j.logger.Debug("Trade already journaled", "tradeID", t.TradeID)
		return nil
	}

	value, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := j.db.Put(key, value); err != nil {
		return fmt.Errorf("journal trade %s: %w", t.TradeID, err)
	}
	j.trades.Add(1)
	return nil
}

// Order looks a journaled order up by its cache key.
func (j *Journal) Order(key string) (ctp.Order, bool, error) {
	var o ctp.Order
	val, err := j.db.Get([]byte(orderPrefix + key))
	if err == database.ErrNotFound {
		return o, false, nil
	}
	if err != nil {
		return o, false, err
	}
	if err := json.Unmarshal(val, &o); err != nil {
		return o, false, err
	}
	return o, true, nil
}

// OrderBySysID follows the system id index.
func (j *Journal) OrderBySysID(sysID string) (ctp.Order, bool, error) {
	key, err := j.db.Get([]byte("sys:" + sysID))
	if err == database.ErrNotFound {
		return ctp.Order{}, false, nil
	}
	if err != nil {
		return ctp.Order{}, false, err
	}
	return j.Order(string(key))
}

func (j *Journal) Orders() ([]ctp.Order, error) {
	var out []ctp.Order
	err := j.scan(orderPrefix, func(val []byte) error {
		var o ctp.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (j *Journal) Trades() ([]ctp.Trade, error) {
	var out []ctp.Trade
	err := j.scan(tradePrefix, func(val []byte) error {
		var t ctp.Trade
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (j *Journal) scan(prefix string, fn func([]byte) error) error {
	it := j.db.NewIteratorWithPrefix([]byte(prefix))
	defer it.Release()

	for it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// Database exposes the underlying store for other append-only records
// sharing the journal's lifetime.
func (j *Journal) Database() database.Database {
	return j.db
}

// Stats reports how many writes the journal accepted.
func (j *Journal) Stats() (orders, trades uint64) {
	return j.orders.Load(), j.trades.Load()
}

func (j *Journal) Close() error {
	j.logger.Info("Closing journal")
	return j.db.Close()
}
