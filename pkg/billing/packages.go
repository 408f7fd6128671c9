package billing

// TokenPackage is a one-time purchasable token bundle, keyed by the
// payment processor's price identifier.
type TokenPackage struct {
	PriceID string
	Name    string
	Tokens  int64
}

// SubscriptionPackage is a recurring plan, keyed by the payment
// processor's price identifier.
type SubscriptionPackage struct {
	PriceID   string
	Name      string
	Level     SubscriptionLevel
	TrialDays int
}

// PackageCatalog holds the static token and subscription package tables.
// Both are resolved during checkout-session creation and again during
// webhook processing; they are loaded once at startup.
type PackageCatalog struct {
	tokens        map[string]TokenPackage
	subscriptions map[string]SubscriptionPackage
}

// NewPackageCatalog builds a catalog from the given tables. Inputs are copied.
func NewPackageCatalog(tokens map[string]TokenPackage, subscriptions map[string]SubscriptionPackage) *PackageCatalog {
	c := &PackageCatalog{
		tokens:        make(map[string]TokenPackage, len(tokens)),
		subscriptions: make(map[string]SubscriptionPackage, len(subscriptions)),
	}
	for id, p := range tokens {
		p.PriceID = id
		c.tokens[id] = p
	}
	for id, p := range subscriptions {
		p.PriceID = id
		if p.Level == "" {
			p.Level = SubscriptionLevelMonthly
		}
		c.subscriptions[id] = p
	}
	return c
}

// TokenPackage resolves a one-time package by price id.
func (c *PackageCatalog) TokenPackage(priceID string) (TokenPackage, bool) {
	p, ok := c.tokens[priceID]
	return p, ok
}

// SubscriptionPackage resolves a recurring package by price id.
func (c *PackageCatalog) SubscriptionPackage(priceID string) (SubscriptionPackage, bool) {
	p, ok := c.subscriptions[priceID]
	return p, ok
}
