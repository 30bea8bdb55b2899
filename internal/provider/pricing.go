package provider

// PriceTable maps a candidate to its price per 1000 tokens.
//
// Keys are "provider/model"; a "provider/*" entry applies to every model of
// that provider. Unknown candidates cost Default.
type PriceTable struct {
	Prices  map[string]float64
	Default float64
}

// CostPer1K returns the price per 1000 tokens for c.
func (t PriceTable) CostPer1K(c Candidate) float64 {
	if p, ok := t.Prices[c.String()]; ok {
		return p
	}
	if p, ok := t.Prices[c.Provider+"/*"]; ok {
		return p
	}
	return t.Default
}

// Cost converts tokens used by c into a monetary cost.
func (t PriceTable) Cost(c Candidate, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * t.CostPer1K(c)
}
