package ledgertest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

// The helpers below expect c.mu to be held.

func (c *Chain) balanceOf(token string, holder common.Address) *big.Int {
	if b, ok := c.balances[token][holder]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) credit(token string, holder common.Address, amt *big.Int) {
	m, ok := c.balances[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		c.balances[token] = m
	}
	m[holder] = new(big.Int).Add(c.balanceOf(token, holder), amt)
}

func (c *Chain) debit(token string, holder common.Address, amt *big.Int) {
	c.balances[token][holder] = new(big.Int).Sub(c.balanceOf(token, holder), amt)
}

func (c *Chain) allowanceOf(token string, owner, spender common.Address) *big.Int {
	if a, ok := c.allowances[token][[2]common.Address{owner, spender}]; ok {
		return a
	}
	return new(big.Int)
}

func (c *Chain) setAllowance(token string, owner, spender common.Address, amt *big.Int) {
	m, ok := c.allowances[token]
	if !ok {
		m = make(map[[2]common.Address]*big.Int)
		c.allowances[token] = m
	}
	m[[2]common.Address{owner, spender}] = new(big.Int).Set(amt)
}

// link appends id to owner's doubly linked CDP list.
func (c *Chain) link(owner common.Address, id uint64) {
	rec := c.cdps[id]
	rec.prev, rec.next = 0, 0
	if last := c.last[owner]; last != 0 {
		c.cdps[last].next = id
		rec.prev = last
	}
	if c.first[owner] == 0 {
		c.first[owner] = id
	}
	c.last[owner] = id
	c.count[owner]++
}

func (c *Chain) unlink(owner common.Address, id uint64) {
	rec := c.cdps[id]
	if rec.prev != 0 {
		c.cdps[rec.prev].next = rec.next
	}
	if rec.next != 0 {
		c.cdps[rec.next].prev = rec.prev
	}
	if c.first[owner] == id {
		c.first[owner] = rec.next
	}
	if c.last[owner] == id {
		c.last[owner] = rec.prev
	}
	c.count[owner]--
	rec.prev, rec.next = 0, 0
}

type snapshot struct {
	nextCdp    uint64
	proxies    map[common.Address]common.Address
	proxyOwner map[common.Address]common.Address
	cdps       map[uint64]cdpRecord
	first      map[common.Address]uint64
	last       map[common.Address]uint64
	count      map[common.Address]uint64
	ilks       map[string]ilkState
	bags       map[common.Address]common.Address
	balances   map[string]map[common.Address]*big.Int
	allowances map[string]map[[2]common.Address]*big.Int
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBig[K comparable](m map[K]*big.Int) map[K]*big.Int {
	out := make(map[K]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func (c *Chain) snapshot() *snapshot {
	s := &snapshot{
		nextCdp:    c.nextCdp,
		proxies:    copyMap(c.proxies),
		proxyOwner: copyMap(c.proxyOwner),
		cdps:       make(map[uint64]cdpRecord, len(c.cdps)),
		first:      copyMap(c.first),
		last:       copyMap(c.last),
		count:      copyMap(c.count),
		ilks:       make(map[string]ilkState, len(c.ilks)),
		bags:       copyMap(c.bags),
		balances:   make(map[string]map[common.Address]*big.Int, len(c.balances)),
		allowances: make(map[string]map[[2]common.Address]*big.Int, len(c.allowances)),
	}
	for id, rec := range c.cdps {
		cp := *rec
		cp.ink, cp.art = new(big.Int).Set(rec.ink), new(big.Int).Set(rec.art)
		s.cdps[id] = cp
	}
	for k, v := range c.ilks {
		s.ilks[k] = ilkState{
			art:  new(big.Int).Set(v.art),
			rate: new(big.Int).Set(v.rate),
			spot: new(big.Int).Set(v.spot),
			line: new(big.Int).Set(v.line),
			dust: new(big.Int).Set(v.dust),
		}
	}
	for k, v := range c.balances {
		s.balances[k] = copyBig(v)
	}
	for k, v := range c.allowances {
		s.allowances[k] = copyBig(v)
	}
	return s
}

func (c *Chain) restore(s *snapshot) {
	c.nextCdp = s.nextCdp
	c.proxies, c.proxyOwner = s.proxies, s.proxyOwner
	c.first, c.last, c.count = s.first, s.last, s.count
	c.bags = s.bags
	c.balances, c.allowances = s.balances, s.allowances
	c.cdps = make(map[uint64]*cdpRecord, len(s.cdps))
	for id, rec := range s.cdps {
		rec := rec
		c.cdps[id] = &rec
	}
	c.ilks = make(map[string]*ilkState, len(s.ilks))
	for k, v := range s.ilks {
		v := v
		c.ilks[k] = &v
	}
}

func (c *Chain) isToken(name string) bool {
	if name == registry.Dai {
		return true
	}
	for _, t := range c.reg.CdpTypes() {
		if t.Token == name {
			return true
		}
	}
	return false
}

func (c *Chain) isBridgedJoin(name string) bool {
	for _, t := range c.reg.CdpTypes() {
		if t.Join == name && t.Kind == domain.KindBridged {
			return true
		}
	}
	return false
}

func (c *Chain) read(call ledger.Call) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[call.Contract+"."+call.Method]++

	args := call.Args
	bad := func() ([]any, error) {
		return nil, fmt.Errorf("ledgertest: bad arguments for %s.%s", call.Contract, call.Method)
	}
	addrArg := func(i int) (common.Address, bool) {
		if i >= len(args) {
			return common.Address{}, false
		}
		a, ok := args[i].(common.Address)
		return a, ok
	}
	idArg := func(i int) (uint64, bool) {
		if i >= len(args) {
			return 0, false
		}
		v, ok := args[i].(*big.Int)
		if !ok {
			return 0, false
		}
		return v.Uint64(), true
	}

	switch {
	case call.Contract == registry.ProxyRegistry && call.Method == "proxies":
		a, ok := addrArg(0)
		if !ok {
			return bad()
		}
		return []any{c.proxies[a]}, nil

	case call.Contract == registry.CdpManager:
		switch call.Method {
		case "first", "last", "count":
			a, ok := addrArg(0)
			if !ok {
				return bad()
			}
			m := map[string]map[common.Address]uint64{"first": c.first, "last": c.last, "count": c.count}[call.Method]
			return []any{new(big.Int).SetUint64(m[a])}, nil
		case "list", "ilks", "owns", "urns":
			id, ok := idArg(0)
			if !ok {
				return bad()
			}
			rec, found := c.cdps[id]
			if !found {
				rec = &cdpRecord{}
			}
			switch call.Method {
			case "list":
				return []any{new(big.Int).SetUint64(rec.prev), new(big.Int).SetUint64(rec.next)}, nil
			case "ilks":
				return []any{domain.IlkBytes32(rec.ilk)}, nil
			case "owns":
				return []any{rec.owner}, nil
			default:
				return []any{rec.urn}, nil
			}
		}

	case call.Contract == registry.Vat:
		if len(args) == 0 {
			return bad()
		}
		ilkB, ok := args[0].([32]byte)
		if !ok {
			return bad()
		}
		ilk := domain.IlkFromBytes32(ilkB)
		st, known := c.ilks[ilk]
		switch call.Method {
		case "ilks":
			if !known {
				z := new(big.Int)
				return []any{z, z, z, z, z}, nil
			}
			return []any{
				new(big.Int).Set(st.art), new(big.Int).Set(st.rate), new(big.Int).Set(st.spot),
				new(big.Int).Set(st.line), new(big.Int).Set(st.dust),
			}, nil
		case "urns":
			urn, ok := addrArg(1)
			if !ok {
				return bad()
			}
			for _, rec := range c.cdps {
				if rec.urn == urn && rec.ilk == ilk {
					return []any{new(big.Int).Set(rec.ink), new(big.Int).Set(rec.art)}, nil
				}
			}
			return []any{new(big.Int), new(big.Int)}, nil
		}

	case call.Method == "bags" && c.isBridgedJoin(call.Contract):
		a, ok := addrArg(0)
		if !ok {
			return bad()
		}
		return []any{c.bags[a]}, nil

	case c.isToken(call.Contract):
		switch call.Method {
		case "balanceOf":
			a, ok := addrArg(0)
			if !ok {
				return bad()
			}
			return []any{new(big.Int).Set(c.balanceOf(call.Contract, a))}, nil
		case "allowance":
			o, ok1 := addrArg(0)
			s, ok2 := addrArg(1)
			if !ok1 || !ok2 {
				return bad()
			}
			return []any{new(big.Int).Set(c.allowanceOf(call.Contract, o, s))}, nil
		}
	}
	return nil, fmt.Errorf("ledgertest: unsupported read %s.%s", call.Contract, call.Method)
}
