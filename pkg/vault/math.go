package vault

import "math/big"

// mulDiv returns a*b/c rounded toward zero. All ledger arithmetic is exact
// big.Int rational math; rounding direction is chosen per call site.
func mulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// mulDivCeil returns a*b/c rounded up.
func mulDivCeil(a, b, c *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	out, rem := new(big.Int).QuoRem(num, c, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func absDiff(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Sub(a, b)
	}
	return new(big.Int).Sub(b, a)
}
