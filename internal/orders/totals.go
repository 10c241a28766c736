package orders

// ComputeTotals applies the checkout pricing rules to a set of line
// items: tax as basis points of the item subtotal, flat shipping fee
// waived at the free-shipping threshold. The result is persisted on the
// order as a snapshot.
func ComputeTotals(items []Item, taxRateBasisPoints, freeShippingCents, shippingFeeCents int) Totals {
	var t Totals
	for _, it := range items {
		t.ItemsCents += it.Qty * it.PriceCents
	}
	t.TaxCents = t.ItemsCents * taxRateBasisPoints / 10000
	if t.ItemsCents < freeShippingCents {
		t.ShippingCents = shippingFeeCents
	}
	t.TotalCents = t.ItemsCents + t.TaxCents + t.ShippingCents
	return t
}
