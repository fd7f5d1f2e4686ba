package ledgertest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

var proxyActions = map[string]struct{}{
	"open": {}, "openLockETHAndDraw": {}, "openLockGemAndDraw": {}, "openLockGNTAndDraw": {},
	"lockETH": {}, "lockGem": {}, "draw": {}, "lockETHAndDraw": {}, "lockGemAndDraw": {},
	"wipe": {}, "freeETH": {}, "freeGem": {}, "give": {}, "makeGemBag": {},
}

// revert aborts the running transaction with a reason.
type revert string

type exec struct {
	chain  *Chain
	from   common.Address
	sender common.Address // msg.sender inside proxy actions
	value  *big.Int
	events []ledger.Event
	snap   *snapshot
}

func (x *exec) run(call ledger.Call) (events []ledger.Event, reason string) {
	x.snap = x.chain.snapshot()
	defer func() {
		if r := recover(); r != nil {
			rv, ok := r.(revert)
			if !ok {
				panic(r)
			}
			events, reason = nil, string(rv)
		}
	}()

	if x.value != nil && x.value.Sign() > 0 {
		if x.chain.balanceOf(NativeToken, x.from).Cmp(x.value) < 0 {
			panic(revert("insufficient funds for transfer"))
		}
	}

	switch {
	case call.Contract == registry.ProxyRegistry && call.Method == "build":
		x.build()
	case call.Contract == registry.ProxyActions:
		owner, ok := x.chain.proxyOwner[call.Proxy]
		if !ok || owner != x.from {
			panic(revert("ds-auth-unauthorized"))
		}
		x.sender = call.Proxy
		if x.value != nil && x.value.Sign() > 0 {
			x.move(NativeToken, x.from, call.Proxy, x.value)
		}
		x.action(call.Method, call.Args)
	case call.Method == "approve":
		spender, amt := argAddr(call.Args, 0), argUint(call.Args, 1)
		x.chain.setAllowance(call.Contract, x.from, spender, amt)
	case call.Method == "transfer":
		to, amt := argAddr(call.Args, 0), argUint(call.Args, 1)
		x.move(call.Contract, x.from, to, amt)
	}
	return x.events, ""
}

func (x *exec) rollback() {
	if x.snap != nil {
		x.chain.restore(x.snap)
	}
}

func (x *exec) emit(contract, name string, args map[string]any) {
	x.events = append(x.events, ledger.Event{Contract: contract, Name: name, Args: args})
}

func (x *exec) build() {
	c := x.chain
	if p, ok := c.proxies[x.from]; ok && p != (common.Address{}) {
		panic(revert("proxy-already-exists"))
	}
	proxy := AddressOf("proxy:" + x.from.Hex())
	c.proxies[x.from] = proxy
	c.proxyOwner[proxy] = x.from
	x.emit(registry.ProxyRegistry, "Created", map[string]any{"owner": x.from, "proxy": proxy})
}

func (x *exec) action(method string, args []any) {
	switch method {
	case "open":
		ilk := domain.IlkFromBytes32(argBytes32(args, 1))
		x.open(ilk, argAddr(args, 2))
	case "openLockETHAndDraw":
		ilk := domain.IlkFromBytes32(argBytes32(args, 4))
		id := x.open(ilk, x.sender)
		x.lock(id, x.valueOrZero(), lockNative)
		x.draw(id, argUint(args, 5))
	case "openLockGemAndDraw":
		ilk := domain.IlkFromBytes32(argBytes32(args, 4))
		id := x.open(ilk, x.sender)
		x.lock(id, argUint(args, 5), gemSource(argBool(args, 7)))
		x.draw(id, argUint(args, 6))
	case "openLockGNTAndDraw":
		ilk := domain.IlkFromBytes32(argBytes32(args, 4))
		x.ensureBag()
		id := x.open(ilk, x.sender)
		x.lock(id, argUint(args, 5), lockFromBag)
		x.draw(id, argUint(args, 6))
	case "lockETH":
		x.lock(x.allowed(argUint(args, 2)), x.valueOrZero(), lockNative)
	case "lockGem":
		id := argUint(args, 2).Uint64()
		x.lock(id, argUint(args, 3), x.gemSourceFor(id, argBool(args, 4)))
	case "draw":
		x.draw(x.allowed(argUint(args, 3)), argUint(args, 4))
	case "lockETHAndDraw":
		id := x.allowed(argUint(args, 4))
		x.lock(id, x.valueOrZero(), lockNative)
		x.draw(id, argUint(args, 5))
	case "lockGemAndDraw":
		id := x.allowed(argUint(args, 4))
		x.lock(id, argUint(args, 5), x.gemSourceFor(id, argBool(args, 7)))
		x.draw(id, argUint(args, 6))
	case "wipe":
		x.wipe(argUint(args, 2).Uint64(), argUint(args, 3))
	case "freeETH":
		x.free(x.allowed(argUint(args, 2)), argUint(args, 3))
	case "freeGem":
		x.free(x.allowed(argUint(args, 2)), argUint(args, 3))
	case "give":
		x.give(x.allowed(argUint(args, 1)), argAddr(args, 2))
	case "makeGemBag":
		c := x.chain
		if _, ok := c.bags[x.sender]; ok {
			panic(revert("bag-already-exists"))
		}
		x.ensureBag()
	}
}

func (x *exec) valueOrZero() *big.Int {
	if x.value == nil {
		return new(big.Int)
	}
	return x.value
}

type lockSource int

const (
	lockNative lockSource = iota
	lockTransferFrom
	lockFromProxy
	lockFromBag
)

func gemSource(transferFrom bool) lockSource {
	if transferFrom {
		return lockTransferFrom
	}
	return lockFromProxy
}

func (x *exec) gemSourceFor(id uint64, transferFrom bool) lockSource {
	rec := x.cdp(id)
	t, _ := x.chain.reg.CdpType(rec.ilk)
	if t.Kind == domain.KindBridged {
		return lockFromBag
	}
	return gemSource(transferFrom)
}

func (x *exec) cdp(id uint64) *cdpRecord {
	rec, ok := x.chain.cdps[id]
	if !ok {
		panic(revert("cdp-not-found"))
	}
	return rec
}

// allowed enforces the CDP manager's cdpAllowed modifier for msg.sender.
func (x *exec) allowed(idArg *big.Int) uint64 {
	id := idArg.Uint64()
	if x.cdp(id).owner != x.sender {
		panic(revert("cdp-not-allowed"))
	}
	return id
}

func (x *exec) open(ilk string, owner common.Address) uint64 {
	c := x.chain
	if _, ok := c.ilks[ilk]; !ok {
		panic(revert("ilk-not-init"))
	}
	c.nextCdp++
	id := c.nextCdp
	c.cdps[id] = &cdpRecord{
		ilk:   ilk,
		owner: owner,
		urn:   AddressOf(fmt.Sprintf("urn:%d", id)),
		ink:   new(big.Int),
		art:   new(big.Int),
	}
	c.link(owner, id)
	x.emit(registry.CdpManager, "NewCdp", map[string]any{
		"usr": x.sender,
		"own": owner,
		"cdp": new(big.Int).SetUint64(id),
	})
	return id
}

func (x *exec) lock(id uint64, amt *big.Int, src lockSource) {
	if amt.Sign() == 0 {
		return
	}
	c := x.chain
	rec := x.cdp(id)
	t, err := c.reg.CdpType(rec.ilk)
	if err != nil {
		panic(revert("ilk-not-init"))
	}
	switch src {
	case lockNative:
		x.move(NativeToken, x.sender, t.Join, amt)
	case lockTransferFrom:
		x.spendAllowance(t.Token, x.from, x.sender, amt)
		x.move(t.Token, x.from, t.Join, amt)
	case lockFromProxy:
		x.move(t.Token, x.sender, t.Join, amt)
	case lockFromBag:
		bag, ok := c.bags[x.sender]
		if !ok {
			panic(revert("bag-not-found"))
		}
		x.move(t.Token, bag, t.Join, amt)
	}
	rec.ink.Add(rec.ink, amt)
}

func (x *exec) draw(id uint64, wad *big.Int) {
	if wad.Sign() == 0 {
		return
	}
	c := x.chain
	rec := x.cdp(id)
	ilk := c.ilks[rec.ilk]

	// dart rounds up so the drawn amount is fully covered.
	dart := new(big.Int).Mul(wad, domain.RAY)
	dart.Quo(dart, ilk.rate)
	if new(big.Int).Mul(dart, ilk.rate).Cmp(new(big.Int).Mul(wad, domain.RAY)) < 0 {
		dart.Add(dart, big.NewInt(1))
	}
	rec.art.Add(rec.art, dart)
	ilk.art.Add(ilk.art, dart)

	if new(big.Int).Mul(ilk.art, ilk.rate).Cmp(ilk.line) > 0 {
		panic(revert("Vat/ceiling-exceeded"))
	}
	x.safe(rec)
	c.credit(registry.Dai, x.from, wad)
}

func (x *exec) wipe(id uint64, wad *big.Int) {
	c := x.chain
	rec := x.cdp(id)
	ilk := c.ilks[rec.ilk]
	x.spendAllowance(registry.Dai, x.from, x.sender, wad)
	if c.balanceOf(registry.Dai, x.from).Cmp(wad) < 0 {
		panic(revert("ds-token-insufficient-balance"))
	}
	c.debit(registry.Dai, x.from, wad)

	dart := new(big.Int).Mul(wad, domain.RAY)
	dart.Quo(dart, ilk.rate)
	if dart.Cmp(rec.art) > 0 {
		dart.Set(rec.art)
	}
	rec.art.Sub(rec.art, dart)
	ilk.art.Sub(ilk.art, dart)
}

func (x *exec) free(id uint64, amt *big.Int) {
	c := x.chain
	rec := x.cdp(id)
	if rec.ink.Cmp(amt) < 0 {
		panic(revert("Vat/not-safe"))
	}
	rec.ink.Sub(rec.ink, amt)
	x.safe(rec)
	t, _ := c.reg.CdpType(rec.ilk)
	token := t.Token
	if t.Kind == domain.KindNative {
		token = NativeToken
	}
	x.move(token, t.Join, x.from, amt)
}

func (x *exec) give(id uint64, dst common.Address) {
	c := x.chain
	rec := x.cdp(id)
	c.unlink(rec.owner, id)
	rec.owner = dst
	c.link(dst, id)
}

func (x *exec) safe(rec *cdpRecord) {
	ilk := x.chain.ilks[rec.ilk]
	tab := new(big.Int).Mul(rec.art, ilk.rate)
	capacity := new(big.Int).Mul(rec.ink, ilk.spot)
	if tab.Cmp(capacity) > 0 {
		panic(revert("Vat/not-safe"))
	}
}

func (x *exec) ensureBag() common.Address {
	c := x.chain
	if bag, ok := c.bags[x.sender]; ok {
		return bag
	}
	bag := AddressOf("bag:" + x.sender.Hex())
	c.bags[x.sender] = bag
	return bag
}

func (x *exec) move(tk string, from, to any, amt *big.Int) {
	c := x.chain
	src, dst := x.holder(from), x.holder(to)
	if c.balanceOf(tk, src).Cmp(amt) < 0 {
		if tk == NativeToken {
			panic(revert("insufficient funds for transfer"))
		}
		panic(revert("ds-token-insufficient-balance"))
	}
	c.debit(tk, src, amt)
	c.credit(tk, dst, amt)
}

// holder accepts an address or a registry contract name.
func (x *exec) holder(v any) common.Address {
	switch h := v.(type) {
	case common.Address:
		return h
	case string:
		if addr, err := x.chain.reg.Address(h); err == nil {
			return addr
		}
		return AddressOf(h)
	}
	panic(fmt.Sprintf("ledgertest: bad holder %T", v))
}

func (x *exec) spendAllowance(token string, owner, spender common.Address, amt *big.Int) {
	c := x.chain
	cur := c.allowanceOf(token, owner, spender)
	if cur.Cmp(amt) < 0 {
		panic(revert("ds-token-insufficient-approval"))
	}
	c.setAllowance(token, owner, spender, new(big.Int).Sub(cur, amt))
}

func argAddr(args []any, i int) common.Address {
	if i < len(args) {
		if v, ok := args[i].(common.Address); ok {
			return v
		}
	}
	panic(revert(fmt.Sprintf("bad-arg-%d", i)))
}

func argUint(args []any, i int) *big.Int {
	if i < len(args) {
		if v, ok := args[i].(*big.Int); ok && v != nil {
			return v
		}
	}
	panic(revert(fmt.Sprintf("bad-arg-%d", i)))
}

func argBytes32(args []any, i int) [32]byte {
	if i < len(args) {
		if v, ok := args[i].([32]byte); ok {
			return v
		}
	}
	panic(revert(fmt.Sprintf("bad-arg-%d", i)))
}

func argBool(args []any, i int) bool {
	if i < len(args) {
		if v, ok := args[i].(bool); ok {
			return v
		}
	}
	panic(revert(fmt.Sprintf("bad-arg-%d", i)))
}
