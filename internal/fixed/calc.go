package fixed

// Calc chains arithmetic and keeps the first error, so a formula can be
// written as a sequence of calls and checked once at the end:
//
//	var c fixed.Calc
//	equity := c.Add(c.Add(margin, upnl), funding)
//	ratio := c.Div(equity, notional)
//	if err := c.Err(); err != nil { ... }
//
// After the first failure every method returns Zero.
type Calc struct {
	err error
}

// Err returns the first error encountered, if any.
func (c *Calc) Err() error { return c.err }

func (c *Calc) apply(v Decimal, err error) Decimal {
	if c.err != nil {
		return Zero
	}
	if err != nil {
		c.err = err
		return Zero
	}
	return v
}

func (c *Calc) Add(x, y Decimal) Decimal {
	if c.err != nil {
		return Zero
	}
	return c.apply(x.Add(y))
}

func (c *Calc) Sub(x, y Decimal) Decimal {
	if c.err != nil {
		return Zero
	}
	return c.apply(x.Sub(y))
}

func (c *Calc) Mul(x, y Decimal) Decimal {
	if c.err != nil {
		return Zero
	}
	return c.apply(x.Mul(y))
}

func (c *Calc) Div(x, y Decimal) Decimal {
	if c.err != nil {
		return Zero
	}
	return c.apply(x.Div(y))
}

func (c *Calc) MulDiv(x, y, z Decimal) Decimal {
	if c.err != nil {
		return Zero
	}
	return c.apply(x.MulDiv(y, z))
}

// Sum adds all values.
func (c *Calc) Sum(xs ...Decimal) Decimal {
	total := Zero
	for _, x := range xs {
		total = c.Add(total, x)
	}
	return total
}

// Fail records err unless an earlier error is already held.
func (c *Calc) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}
