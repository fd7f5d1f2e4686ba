package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Currency is a token unit with a fixed number of decimals.
type Currency struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Well-known currencies. Collateral currencies for other ilks come from the
// CDP type table in configuration.
var (
	DAI = Currency{Symbol: "DAI", Decimals: 18}
	ETH = Currency{Symbol: "ETH", Decimals: 18}
)

const wadDecimals = 18

var (
	// WAD is 10^18, the vat's fixed-point unit for ink and art.
	WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// RAY is 10^27, the vat's fixed-point unit for rates.
	RAY = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
)

// Amount is a quantity of a Currency in its smallest unit.
//
// The zero Amount (nil Value) means "omitted" wherever an operation takes an
// optional quantity; it is submitted to the ledger as 0.
type Amount struct {
	Currency Currency
	Value    *big.Int
}

// NewAmount returns an Amount of v base units.
func NewAmount(c Currency, v *big.Int) Amount {
	return Amount{Currency: c, Value: new(big.Int).Set(v)}
}

// Zero returns an explicit zero of currency c.
func Zero(c Currency) Amount {
	return Amount{Currency: c, Value: new(big.Int)}
}

// ParseAmount parses a decimal string such as "2" or "1.25" into base units.
func ParseAmount(c Currency, s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		return Amount{}, fmt.Errorf("%w: negative %q", ErrInvalidAmount, s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > c.Decimals {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, c.Decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", c.Decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{Currency: c, Value: v}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(c Currency, s string) Amount {
	a, err := ParseAmount(c, s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromWad converts an 18-decimal vat quantity into currency c.
func FromWad(c Currency, wad *big.Int) Amount {
	v := new(big.Int).Set(wad)
	switch {
	case c.Decimals < wadDecimals:
		v.Quo(v, pow10(wadDecimals-c.Decimals))
	case c.Decimals > wadDecimals:
		v.Mul(v, pow10(c.Decimals-wadDecimals))
	}
	return Amount{Currency: c, Value: v}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// IsOmitted reports whether the amount was left unset.
func (a Amount) IsOmitted() bool { return a.Value == nil }

// IsZero reports whether the amount is omitted or equal to zero.
func (a Amount) IsZero() bool { return a.Value == nil || a.Value.Sign() == 0 }

// Int returns the base-unit value, treating an omitted amount as 0.
func (a Amount) Int() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Value)
}

// Add returns a+b. Both must share a currency symbol.
func (a Amount) Add(b Amount) Amount {
	c := a.Currency
	if c.Symbol == "" {
		c = b.Currency
	}
	return Amount{Currency: c, Value: new(big.Int).Add(a.Int(), b.Int())}
}

// Equal compares currency and value, treating omitted as zero.
func (a Amount) Equal(b Amount) bool {
	return a.Currency.Symbol == b.Currency.Symbol && a.Int().Cmp(b.Int()) == 0
}

// Decimal renders the value with the currency's decimals, trimming trailing
// zeros.
func (a Amount) Decimal() string {
	v := a.Int()
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	s := v.String()
	if a.Currency.Decimals == 0 {
		return sign + s
	}
	if len(s) <= a.Currency.Decimals {
		s = strings.Repeat("0", a.Currency.Decimals-len(s)+1) + s
	}
	whole := s[:len(s)-a.Currency.Decimals]
	frac := strings.TrimRight(s[len(s)-a.Currency.Decimals:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}

func (a Amount) String() string {
	return a.Decimal() + " " + a.Currency.Symbol
}

type amountJSON struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Value    string `json:"value"`
	Raw      string `json:"raw"`
}

// MarshalJSON encodes the amount as {"symbol","decimals","value","raw"}.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{
		Symbol:   a.Currency.Symbol,
		Decimals: a.Currency.Decimals,
		Value:    a.Decimal(),
		Raw:      a.Int().String(),
	})
}

// UnmarshalJSON reads the MarshalJSON form.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var v amountJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	raw, ok := new(big.Int).SetString(v.Raw, 10)
	if !ok {
		return fmt.Errorf("%w: raw %q", ErrInvalidAmount, v.Raw)
	}
	*a = Amount{Currency: Currency{Symbol: v.Symbol, Decimals: v.Decimals}, Value: raw}
	return nil
}
