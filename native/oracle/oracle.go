package oracle

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrStalePrice indicates the feed's publish time is older than the
	// caller-supplied maximum age.
	ErrStalePrice = errors.New("oracle: price older than max age")
	// ErrUnknownFeed indicates no price is tracked for the requested feed id.
	ErrUnknownFeed = errors.New("oracle: unknown feed")
	errNilRate     = errors.New("oracle: rate must be positive")
)

// Price is one observation from an external price feed. Rate converts one
// smallest unit of the collateral asset into smallest units of the debt
// asset.
type Price struct {
	FeedID      []byte
	Rate        *big.Rat
	PublishTime time.Time
}

// Clone returns a deep copy of the price observation.
func (p Price) Clone() Price {
	clone := Price{PublishTime: p.PublishTime}
	clone.FeedID = append([]byte(nil), p.FeedID...)
	if p.Rate != nil {
		clone.Rate = new(big.Rat).Set(p.Rate)
	}
	return clone
}

// Feed resolves the latest observation for a feed identifier. The publishing
// side is out of scope; the ledger only consumes observations.
type Feed interface {
	Price(feedID []byte) (Price, error)
}

// Fresh validates that the observation was published within maxAge of now.
func Fresh(p Price, now time.Time, maxAge time.Duration) error {
	if p.Rate == nil || p.Rate.Sign() <= 0 {
		return errNilRate
	}
	if now.Sub(p.PublishTime) > maxAge {
		return ErrStalePrice
	}
	return nil
}

// CollateralValue prices an integer collateral amount in smallest units of
// the debt asset, rounding down.
func CollateralValue(amount *big.Int, p Price) *big.Int {
	if amount == nil || amount.Sign() <= 0 || p.Rate == nil || p.Rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, p.Rate.Num())
	return value.Quo(value, p.Rate.Denom())
}

// StaticFeed is an in-memory feed used by raind's development mode and by
// tests. Observations are set explicitly and returned verbatim.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewStaticFeed returns an empty static feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]Price)}
}

// SetPrice records the observation for the given feed id, replacing any
// previous one.
func (f *StaticFeed) SetPrice(feedID []byte, rate *big.Rat, publishTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[string(feedID)] = Price{
		FeedID:      append([]byte(nil), feedID...),
		Rate:        new(big.Rat).Set(rate),
		PublishTime: publishTime,
	}
}

// Price implements the Feed interface.
func (f *StaticFeed) Price(feedID []byte) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[string(feedID)]
	if !ok || !bytes.Equal(price.FeedID, feedID) {
		return Price{}, ErrUnknownFeed
	}
	return price.Clone(), nil
}
