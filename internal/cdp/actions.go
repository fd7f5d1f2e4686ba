package cdp

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// entryPoints names the proxy-actions methods used for one collateral kind.
type entryPoints struct {
	openLockAndDraw string
	lock            string
	lockAndDraw     string
	free            string
}

// actionTable selects entry points once per kind.
var actionTable = map[domain.CdpKind]entryPoints{
	domain.KindNative: {
		openLockAndDraw: "openLockETHAndDraw",
		lock:            "lockETH",
		lockAndDraw:     "lockETHAndDraw",
		free:            "freeETH",
	},
	domain.KindStandard: {
		openLockAndDraw: "openLockGemAndDraw",
		lock:            "lockGem",
		lockAndDraw:     "lockGemAndDraw",
		free:            "freeGem",
	},
	domain.KindBridged: {
		openLockAndDraw: "openLockGNTAndDraw",
		lock:            "lockGem",
		lockAndDraw:     "lockGemAndDraw",
		free:            "freeGem",
	},
}

// addrs holds the system contracts the proxy actions take as arguments.
type addrs struct {
	manager common.Address
	jug     common.Address
	join    common.Address
	daiJoin common.Address
}

// callSpec is a proxy-actions call before it is bound to a proxy.
type callSpec struct {
	method string
	args   []any
	value  *big.Int
}

func openLockAndDrawCall(t domain.CdpType, a addrs, collateral, debt *big.Int) callSpec {
	ilk := domain.IlkBytes32(t.Ilk)
	ep := actionTable[t.Kind]
	switch t.Kind {
	case domain.KindNative:
		return callSpec{
			method: ep.openLockAndDraw,
			args:   []any{a.manager, a.jug, a.join, a.daiJoin, ilk, debt},
			value:  collateral,
		}
	case domain.KindStandard:
		return callSpec{
			method: ep.openLockAndDraw,
			args:   []any{a.manager, a.jug, a.join, a.daiJoin, ilk, collateral, debt, true},
		}
	default:
		return callSpec{
			method: ep.openLockAndDraw,
			args:   []any{a.manager, a.jug, a.join, a.daiJoin, ilk, collateral, debt},
		}
	}
}

func lockCall(t domain.CdpType, a addrs, id, collateral *big.Int) callSpec {
	ep := actionTable[t.Kind]
	if t.Kind == domain.KindNative {
		return callSpec{method: ep.lock, args: []any{a.manager, a.join, id}, value: collateral}
	}
	return callSpec{method: ep.lock, args: []any{a.manager, a.join, id, collateral, t.Kind == domain.KindStandard}}
}

func lockAndDrawCall(t domain.CdpType, a addrs, id, collateral, debt *big.Int) callSpec {
	ep := actionTable[t.Kind]
	if t.Kind == domain.KindNative {
		return callSpec{
			method: ep.lockAndDraw,
			args:   []any{a.manager, a.jug, a.join, a.daiJoin, id, debt},
			value:  collateral,
		}
	}
	return callSpec{
		method: ep.lockAndDraw,
		args:   []any{a.manager, a.jug, a.join, a.daiJoin, id, collateral, debt, t.Kind == domain.KindStandard},
	}
}

func freeCall(t domain.CdpType, a addrs, id, amount *big.Int) callSpec {
	return callSpec{method: actionTable[t.Kind].free, args: []any{a.manager, a.join, id, amount}}
}

func drawCall(a addrs, id, debt *big.Int) callSpec {
	return callSpec{method: "draw", args: []any{a.manager, a.jug, a.daiJoin, id, debt}}
}

func wipeCall(a addrs, id, debt *big.Int) callSpec {
	return callSpec{method: "wipe", args: []any{a.manager, a.daiJoin, id, debt}}
}

func giveCall(a addrs, id *big.Int, to common.Address) callSpec {
	return callSpec{method: "give", args: []any{a.manager, id, to}}
}
