// Package fixedpoint implements exact monetary arithmetic on integers
// scaled by 1e18. Values are converted to and from human decimal form
// only at API and persistence boundaries; all interior math stays in
// scaled-integer space so repeated operations never accumulate float
// error.
package fixedpoint

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional decimal digits carried by a Value.
const Scale = 18

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

var bigZero = big.NewInt(0)

// Value is an immutable fixed-point number. The zero Value is ready to
// use and equals numeric zero. Arithmetic truncates toward zero, the
// same way integer division does.
type Value struct {
	units *big.Int
}

// Zero returns the zero Value.
func Zero() Value {
	return Value{}
}

// FromInt returns n as a Value.
func FromInt(n int64) Value {
	return Value{units: new(big.Int).Mul(big.NewInt(n), scaleFactor)}
}

// FromUnits wraps a raw scaled integer. The argument is copied.
func FromUnits(units *big.Int) Value {
	if units == nil {
		return Value{}
	}
	return Value{units: new(big.Int).Set(units)}
}

// FromDecimal converts a decimal to a Value, truncating any digits
// beyond the supported scale.
func FromDecimal(d decimal.Decimal) Value {
	return Value{units: d.Shift(Scale).BigInt()}
}

// FromString parses a decimal string such as "0.25" or "-3".
func FromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("failed to parse fixed-point value %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is FromString for constants in tests and wiring; it panics
// on malformed input.
func MustParse(s string) Value {
	v, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) unit() *big.Int {
	if v.units == nil {
		return bigZero
	}
	return v.units
}

// Units returns a copy of the raw scaled integer.
func (v Value) Units() *big.Int {
	return new(big.Int).Set(v.unit())
}

// Decimal returns the value in human decimal form.
func (v Value) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(v.unit(), -Scale)
}

// String renders the value as a decimal string with trailing zeros
// trimmed, e.g. "1.5".
func (v Value) String() string {
	return v.Decimal().String()
}

// Add returns v + o.
func (v Value) Add(o Value) Value {
	return Value{units: new(big.Int).Add(v.unit(), o.unit())}
}

// Sub returns v - o.
func (v Value) Sub(o Value) Value {
	return Value{units: new(big.Int).Sub(v.unit(), o.unit())}
}

// Mul returns v * o truncated toward zero.
func (v Value) Mul(o Value) Value {
	prod := new(big.Int).Mul(v.unit(), o.unit())
	return Value{units: prod.Quo(prod, scaleFactor)}
}

// Div returns v / o truncated toward zero. Division by zero yields
// zero so a bad denominator degrades to an empty figure instead of a
// panic in the middle of a settlement pass.
func (v Value) Div(o Value) Value {
	if o.unit().Sign() == 0 {
		return Value{}
	}
	num := new(big.Int).Mul(v.unit(), scaleFactor)
	return Value{units: num.Quo(num, o.unit())}
}

// MulDiv returns v * mul / div in a single pass, keeping full
// precision in the intermediate product. It is the primitive for
// proportional shares such as fee * filled / total.
func (v Value) MulDiv(mul, div Value) Value {
	if div.unit().Sign() == 0 {
		return Value{}
	}
	prod := new(big.Int).Mul(v.unit(), mul.unit())
	return Value{units: prod.Quo(prod, div.unit())}
}

// Neg returns -v.
func (v Value) Neg() Value {
	return Value{units: new(big.Int).Neg(v.unit())}
}

// Cmp compares v and o, returning -1, 0 or 1.
func (v Value) Cmp(o Value) int {
	return v.unit().Cmp(o.unit())
}

// Equal reports whether v == o.
func (v Value) Equal(o Value) bool { return v.Cmp(o) == 0 }

// LessThan reports whether v < o.
func (v Value) LessThan(o Value) bool { return v.Cmp(o) < 0 }

// LessThanOrEqual reports whether v <= o.
func (v Value) LessThanOrEqual(o Value) bool { return v.Cmp(o) <= 0 }

// GreaterThan reports whether v > o.
func (v Value) GreaterThan(o Value) bool { return v.Cmp(o) > 0 }

// GreaterThanOrEqual reports whether v >= o.
func (v Value) GreaterThanOrEqual(o Value) bool { return v.Cmp(o) >= 0 }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v.unit().Sign() == 0 }

// IsNegative reports whether v < 0.
func (v Value) IsNegative() bool { return v.unit().Sign() < 0 }

// IsPositive reports whether v > 0.
func (v Value) IsPositive() bool { return v.unit().Sign() > 0 }

// Sign returns -1, 0 or 1 by the sign of v.
func (v Value) Sign() int { return v.unit().Sign() }

// Min returns the smaller of a and b.
func Min(a, b Value) Value {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Value) Value {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MarshalJSON renders the value as a quoted decimal string.
func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

// UnmarshalJSON accepts a quoted or bare decimal number.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	if s == "" || s == "null" {
		*v = Value{}
		return nil
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Value implements driver.Valuer. Values persist as the raw scaled
// integer in text form so the database never rounds them.
func (v Value) Value() (driver.Value, error) {
	return v.unit().String(), nil
}

// Scan implements sql.Scanner for text, byte and integer columns.
func (v *Value) Scan(src interface{}) error {
	switch s := src.(type) {
	case nil:
		*v = Value{}
		return nil
	case string:
		return v.scanString(s)
	case []byte:
		return v.scanString(string(s))
	case int64:
		*v = Value{units: big.NewInt(s)}
		return nil
	default:
		return fmt.Errorf("failed to scan fixed-point value from %T", src)
	}
}

func (v *Value) scanString(s string) error {
	if s == "" {
		*v = Value{}
		return nil
	}
	units, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("failed to scan fixed-point value from %q", s)
	}
	*v = Value{units: units}
	return nil
}
