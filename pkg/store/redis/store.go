// Package redis archives terminal order records for post-run
// reconciliation. Live book state is never persisted; only orders that
// reached a terminal state are written here, keyed by client order id.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantegy/crossbook/pkg/core"
)

// RedisOptions represents configuration options for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

var defaultOptions = &RedisOptions{
	Addr:     "localhost:6379",
	Password: "",
	DB:       0,
}

// SetDefaultRedisOptions sets the default options for Redis connections
func SetDefaultRedisOptions(options *RedisOptions) {
	defaultOptions = options
}

// GetRedisClient creates a new Redis client using the default options
func GetRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     defaultOptions.Addr,
		Password: defaultOptions.Password,
		DB:       defaultOptions.DB,
	})
}

// storedOrder is the JSON shape written to Redis. Decimals are stored as
// strings to survive round-trips without precision loss.
type storedOrder struct {
	ClientOrderID   string `json:"clientOrderId"`
	ExchangeOrderID string `json:"exchangeOrderId"`
	Exchange        string `json:"exchange"`
	Instrument      string `json:"instrument"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	State           string `json:"state"`
	TradeQty        string `json:"tradeQty"`
	TradeFee        string `json:"tradeFee"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// ArchiveStore writes terminal order records to Redis
type ArchiveStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewArchiveStore creates an ArchiveStore with the given key prefix
func NewArchiveStore(client *redis.Client, prefix string, logger *zap.Logger) *ArchiveStore {
	if prefix == "" {
		prefix = "crossbook"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *ArchiveStore) orderKey(clientOrderID string) string {
	return fmt.Sprintf("%s:order:%s", s.prefix, clientOrderID)
}

func (s *ArchiveStore) indexKey() string {
	return fmt.Sprintf("%s:orders", s.prefix)
}

// ArchiveOrder writes a terminal order record. Non-terminal records are
// rejected; the archive is a reconciliation log, not live state.
func (s *ArchiveStore) ArchiveOrder(ctx context.Context, order *core.OrderRecord) error {
	if !order.State.Terminal() {
		return core.ErrInvalidArgument
	}

	stored := storedOrder{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Exchange:        order.Exchange,
		Instrument:      order.Instrument,
		Side:            order.Side.String(),
		Price:           order.Price.String(),
		Qty:             order.Qty.String(),
		State:           order.State.String(),
		TradeQty:        order.TradeQty.String(),
		TradeFee:        order.TradeFee.String(),
		CreatedAt:       order.CreatedAt.UnixNano(),
		UpdatedAt:       order.UpdatedAt.UnixNano(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.orderKey(order.ClientOrderID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), order.ClientOrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to archive order",
			zap.String("clientOrderID", order.ClientOrderID),
			zap.Error(err))
		return err
	}
	return nil
}

// GetOrder reads an archived order back by client order id
func (s *ArchiveStore) GetOrder(ctx context.Context, clientOrderID string) (*core.OrderRecord, error) {
	data, err := s.client.Get(ctx, s.orderKey(clientOrderID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrNonexistentOrder
		}
		return nil, err
	}

	var stored storedOrder
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return stored.toRecord()
}

// ListOrderIDs returns the client order ids of every archived order
func (s *ArchiveStore) ListOrderIDs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.indexKey()).Result()
}

// Close releases the underlying client
func (s *ArchiveStore) Close() error {
	return s.client.Close()
}

func (o storedOrder) toRecord() (*core.OrderRecord, error) {
	price, err := fpdecimal.FromString(o.Price)
	if err != nil {
		return nil, fmt.Errorf("bad archived price %q: %w", o.Price, err)
	}
	qty, err := fpdecimal.FromString(o.Qty)
	if err != nil {
		return nil, fmt.Errorf("bad archived qty %q: %w", o.Qty, err)
	}
	tradeQty, err := fpdecimal.FromString(o.TradeQty)
	if err != nil {
		return nil, fmt.Errorf("bad archived trade qty %q: %w", o.TradeQty, err)
	}
	tradeFee, err := fpdecimal.FromString(o.TradeFee)
	if err != nil {
		return nil, fmt.Errorf("bad archived trade fee %q: %w", o.TradeFee, err)
	}

	rec := &core.OrderRecord{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Exchange:        o.Exchange,
		Instrument:      o.Instrument,
		Price:           price,
		Qty:             qty,
		TradeQty:        tradeQty,
		TradeFee:        tradeFee,
		CreatedAt:       time.Unix(0, o.CreatedAt),
		UpdatedAt:       time.Unix(0, o.UpdatedAt),
	}
	if o.Side == core.Buy.String() {
		rec.Side = core.Buy
	}
	for _, state := range []core.OrderState{
		core.Pending, core.Active, core.Cancelled, core.Filled,
		core.ChildOrderPlaced, core.ChildOrderRejected,
	} {
		if o.State == state.String() {
			rec.State = state
			break
		}
	}
	return rec, nil
}
