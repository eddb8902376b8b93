package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/shopfabric/microservices/common/broker"
)

// Buy rejections, each mapped to its HTTP status by the handler.
var (
	ErrRateLimited      = errors.New("RATE_LIMITED: too many attempts")
	ErrAlreadyPurchased = errors.New("ALREADY_PURCHASED: one win per user")
	ErrNotActive        = errors.New("NOT_ACTIVE: campaign window closed")
	ErrOutOfStock       = errors.New("OUT_OF_STOCK: campaign sold out")
	ErrCampaignNotFound = errors.New("CAMPAIGN_NOT_FOUND: no campaign for product")
)

var (
	buyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_buy_total",
		Help: "Flash-sale buy attempts grouped by result.",
	}, []string{"result"})
	ghostOrders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seckill_ghost_orders_total",
		Help: "Wins diverted to the emergency log after a publish failure.",
	})
)

// Campaign describes one flash sale on one product.
type Campaign struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Price       decimal.Decimal `json:"price"`
	Stock       int64           `json:"stock"`
	StartAt     time.Time       `json:"startAt"`
	EndAt       time.Time       `json:"endAt"`
}

// CampaignStatus is the public view of a running campaign.
type CampaignStatus struct {
	StockRemaining int64 `json:"stockRemaining"`
	TotalStock     int64 `json:"totalStock"`
	IsActive       bool  `json:"isActive"`
}

// EventPublisher sends the win event to the broker. *broker.Publisher
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, ev broker.Event) error
}

// EngineConfig tunes the per-user rate limit of the buy path.
type EngineConfig struct {
	RateLimit    int64
	RateWindow   time.Duration
	RateLimitOff bool
}

// Engine runs the flash-sale hot path. All campaign state lives in Redis and
// is mutated only through the atomic scripts; the engine adds event emission
// and the ghost-order fallback on top.
type Engine struct {
	redis     *redis.Client
	publisher EventPublisher
	ghosts    *GhostLog
	logger    *slog.Logger
	cfg       EngineConfig

	now func() time.Time
}

func NewEngine(rdb *redis.Client, publisher EventPublisher, ghosts *GhostLog, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	return &Engine{
		redis:     rdb,
		publisher: publisher,
		ghosts:    ghosts,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

func keyStock(pid string) string { return fmt.Sprintf("seckill:%s:stock", pid) }
func keyTotal(pid string) string { return fmt.Sprintf("seckill:%s:total", pid) }
func keyPrice(pid string) string { return fmt.Sprintf("seckill:%s:price", pid) }
func keyName(pid string) string  { return fmt.Sprintf("seckill:%s:name", pid) }
func keyStart(pid string) string { return fmt.Sprintf("seckill:%s:start", pid) }
func keyEnd(pid string) string   { return fmt.Sprintf("seckill:%s:end", pid) }
func keyUsers(pid string) string { return fmt.Sprintf("seckill:%s:users", pid) }

func keyRate(userID string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("seckill:rate:%s:%d", userID, now.Unix()/int64(window.Seconds()))
}

// Init provisions (or resets) a campaign. The winners set is cleared so a
// re-initialized campaign starts fresh.
func (e *Engine) Init(ctx context.Context, c Campaign) error {
	if c.ProductID == "" || c.Stock <= 0 || !c.EndAt.After(c.StartAt) {
		return errors.New("campaign needs a product, positive stock and a valid window")
	}

	pipe := e.redis.TxPipeline()
	pipe.Set(ctx, keyStock(c.ProductID), c.Stock, 0)
	pipe.Set(ctx, keyTotal(c.ProductID), c.Stock, 0)
	pipe.Set(ctx, keyPrice(c.ProductID), c.Price.String(), 0)
	pipe.Set(ctx, keyName(c.ProductID), c.ProductName, 0)
	pipe.Set(ctx, keyStart(c.ProductID), c.StartAt.Unix(), 0)
	pipe.Set(ctx, keyEnd(c.ProductID), c.EndAt.Unix(), 0)
	pipe.Del(ctx, keyUsers(c.ProductID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init campaign: %w", err)
	}

	e.logger.Info("campaign initialized",
		slog.String("product_id", c.ProductID),
		slog.Int64("stock", c.Stock),
		slog.Time("start", c.StartAt),
		slog.Time("end", c.EndAt),
	)
	return nil
}

// Buy attempts to win one unit for the user. On success the win event is
// published; if the broker is down the win goes to the ghost log instead and
// the reservation identifier is returned anyway, because the stock decrement
// already happened.
func (e *Engine) Buy(ctx context.Context, productID, userID string) (string, error) {
	now := e.now()

	enabled := "1"
	if e.cfg.RateLimitOff {
		enabled = "0"
	}

	keys := []string{
		keyStock(productID),
		keyStart(productID),
		keyEnd(productID),
		keyUsers(productID),
		keyRate(userID, now, e.cfg.RateWindow),
	}
	argv := []any{
		userID,
		now.Unix(),
		e.cfg.RateLimit,
		int64(e.cfg.RateWindow.Seconds()),
		enabled,
	}

	status, err := reserveScript.Run(ctx, e.redis, keys, argv...).Text()
	if err != nil {
		return "", fmt.Errorf("reserve script: %w", err)
	}
	if rerr := rejection(status); rerr != nil {
		buyResults.WithLabelValues(status).Inc()
		return "", rerr
	}
	buyResults.WithLabelValues("won").Inc()

	price, _ := e.redis.Get(ctx, keyPrice(productID)).Result()
	name, _ := e.redis.Get(ctx, keyName(productID)).Result()

	reservationID := uuid.New().String()
	ev := broker.Event{
		ID:            reservationID,
		Type:          broker.SeckillOrderWonEvent,
		CorrelationID: reservationID,
		Data: map[string]any{
			"userId":      userID,
			"productId":   productID,
			"productName": name,
			"price":       priceNumber(price),
			"quantity":    1,
			"metadata":    map[string]any{"source": "seckill"},
		},
		Timestamp: now.UTC(),
	}

	if perr := e.publisher.Publish(ctx, ev); perr != nil {
		// Stock is already charged; park the win for operator replay.
		ghostOrders.Inc()
		e.logger.Error("publish failed, writing ghost order",
			slog.String("reservation_id", reservationID),
			slog.Any("error", perr),
		)
		if gerr := e.ghosts.Append(GhostRecord{
			EventID:   reservationID,
			ProductID: productID,
			UserID:    userID,
			Price:     price,
			Timestamp: now.UTC(),
		}); gerr != nil {
			e.logger.Error("ghost log write failed", slog.Any("error", gerr))
		}
	}

	return reservationID, nil
}

func rejection(status string) error {
	switch status {
	case "OK":
		return nil
	case "RATE_LIMITED":
		return ErrRateLimited
	case "ALREADY_PURCHASED":
		return ErrAlreadyPurchased
	case "NOT_ACTIVE":
		return ErrNotActive
	case "OUT_OF_STOCK":
		return ErrOutOfStock
	case "NOT_FOUND":
		return ErrCampaignNotFound
	default:
		return fmt.Errorf("unexpected reserve status %q", status)
	}
}

func priceNumber(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// Release returns one cancelled win to the pool. Replays are absorbed by the
// script: the increment only happens when the user was still in the set.
func (e *Engine) Release(ctx context.Context, productID, userID string, quantity int64) error {
	if quantity <= 0 {
		quantity = 1
	}
	keys := []string{keyStock(productID), keyUsers(productID)}
	status, err := releaseScript.Run(ctx, e.redis, keys, userID, quantity).Text()
	if err != nil {
		return fmt.Errorf("release script: %w", err)
	}

	if status == "ALREADY_RELEASED" {
		e.logger.Info("release already applied",
			slog.String("product_id", productID),
			slog.String("user_id", userID),
		)
		return nil
	}
	e.logger.Info("flash-sale slot released",
		slog.String("product_id", productID),
		slog.String("user_id", userID),
	)
	return nil
}

// Status reports the campaign's remaining stock and whether it is live.
func (e *Engine) Status(ctx context.Context, productID string) (*CampaignStatus, error) {
	vals, err := e.redis.MGet(ctx,
		keyStock(productID),
		keyTotal(productID),
		keyStart(productID),
		keyEnd(productID),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("campaign status: %w", err)
	}
	if vals[2] == nil || vals[3] == nil {
		return nil, ErrCampaignNotFound
	}

	stock := parseInt(vals[0])
	total := parseInt(vals[1])
	start := parseInt(vals[2])
	end := parseInt(vals[3])
	now := e.now().Unix()

	return &CampaignStatus{
		StockRemaining: stock,
		TotalStock:     total,
		IsActive:       now >= start && now <= end && stock > 0,
	}, nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

// ReplayGhosts republishes every parked win. Used by the -replay operator
// mode after a broker outage.
func (e *Engine) ReplayGhosts(ctx context.Context) (int, error) {
	records, err := e.ghosts.Read()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, rec := range records {
		ev := broker.Event{
			ID:            rec.EventID,
			Type:          broker.SeckillOrderWonEvent,
			CorrelationID: rec.EventID,
			Data: map[string]any{
				"userId":    rec.UserID,
				"productId": rec.ProductID,
				"price":     priceNumber(rec.Price),
				"quantity":  1,
				"metadata":  map[string]any{"source": "seckill"},
			},
			Timestamp: rec.Timestamp,
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			return replayed, fmt.Errorf("replay %s: %w", rec.EventID, err)
		}
		replayed++
	}
	return replayed, nil
}
