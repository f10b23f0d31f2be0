package ipverse

import (
	"sync"
	"time"
)

// Gate authorizes a user request before a build is invoked. The core only
// consumes the capability; quota bookkeeping lives in the implementation.
type Gate interface {
	Authorize(userID string) error
}

// CoinGate implements the referral coin economy: every user gets a number of
// free requests per calendar day, further requests spend coins. Balances and
// daily counters persist in the store under "u:" keys.
type CoinGate struct {
	store     *Store
	freeDaily int
	coinCost  int

	mu sync.Mutex
}

type userState struct {
	Date  string
	Used  int
	Coins int
}

func NewCoinGate(store *Store, freeDaily, coinCost int) *CoinGate {
	return &CoinGate{store: store, freeDaily: freeDaily, coinCost: coinCost}
}

func userKey(id string) []byte { return []byte("u:" + id) }

func (g *CoinGate) Authorize(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.load(userID)
	switch {
	case st.Used < g.freeDaily:
		st.Used++
	case st.Coins >= g.coinCost:
		st.Coins -= g.coinCost
		st.Used++
	default:
		return ErrQuotaExceeded
	}
	return g.store.putGob(userKey(userID), st)
}

// AddCoins credits a user, e.g. for a successful referral.
func (g *CoinGate) AddCoins(userID string, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.load(userID)
	st.Coins += n
	return g.store.putGob(userKey(userID), st)
}

// Balance reports remaining coins and requests used today.
func (g *CoinGate) Balance(userID string) (coins, usedToday int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.load(userID)
	return st.Coins, st.Used
}

// load fetches the user state, resetting the daily counter on date rollover.
func (g *CoinGate) load(userID string) userState {
	var st userState
	g.store.getGob(userKey(userID), &st)
	today := time.Now().Format("2006-01-02")
	if st.Date != today {
		st.Date = today
		st.Used = 0
	}
	return st
}
