package report

import (
	"sort"
	"time"

	"dokanpos/internal/domain"
)

const (
	revenueChartMonths = 6
	topProductLimit    = 5
)

// Build computes every dashboard figure from a full snapshot of one user's
// sales and products. It is a pure function of its inputs and is recomputed
// on every request; nothing is cached.
func Build(now time.Time, sales []domain.Sale, products []domain.Product) domain.DashboardSummary {
	now = now.UTC()
	summary := domain.DashboardSummary{
		GeneratedAt: now.Format(time.RFC3339),
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	methodCounts := make(map[string]int)
	for _, sale := range sales {
		summary.TotalRevenueCents += sale.TotalCents
		if !sale.CreatedAt.Before(monthStart) && !sale.CreatedAt.After(now) {
			summary.ThisMonthRevenueCents += sale.TotalCents
		}
		if !sale.IsPaid {
			summary.TotalDueCents += sale.TotalCents
		}
		if sale.IsPaid && sale.PaymentMethod != "" {
			methodCounts[sale.PaymentMethod]++
		}
	}

	for _, p := range products {
		summary.InventoryValueCents += p.PriceCents * int64(p.Quantity)
		switch {
		case p.Quantity == 0:
			summary.OutOfStockCount++
		case p.Quantity <= p.LowStockThreshold():
			summary.LowStockCount++
		}
	}

	summary.RevenueChart = revenueSeries(now, sales)
	summary.PaymentMethods = sortedMethodCounts(methodCounts)
	summary.TopProducts = topSellers(sales, products)
	return summary
}

// revenueSeries buckets revenue into the last six calendar months, oldest
// first. Buckets are half open: a sale at the first instant of a month
// lands in that month, not the previous one.
func revenueSeries(now time.Time, sales []domain.Sale) []domain.RevenuePoint {
	points := make([]domain.RevenuePoint, revenueChartMonths)
	starts := make([]time.Time, revenueChartMonths+1)
	for i := 0; i < revenueChartMonths; i++ {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i-revenueChartMonths+1, 0)
		starts[i] = start
		points[i] = domain.RevenuePoint{Month: start.Format("Jan 2006")}
	}
	starts[revenueChartMonths] = starts[revenueChartMonths-1].AddDate(0, 1, 0)

	for _, sale := range sales {
		at := sale.CreatedAt.UTC()
		for i := 0; i < revenueChartMonths; i++ {
			if !at.Before(starts[i]) && at.Before(starts[i+1]) {
				points[i].RevenueCents += sale.TotalCents
				break
			}
		}
	}
	return points
}

func sortedMethodCounts(counts map[string]int) []domain.PaymentMethodCount {
	out := make([]domain.PaymentMethodCount, 0, len(counts))
	for method, count := range counts {
		out = append(out, domain.PaymentMethodCount{Method: method, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// topSellers ranks products by total quantity sold across all sale lines.
// Ties are broken by ascending product id so the ranking is stable across
// runs regardless of map iteration order.
func topSellers(sales []domain.Sale, products []domain.Product) []domain.TopProduct {
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	sold := make(map[string]int)
	for _, sale := range sales {
		for _, item := range sale.Items {
			sold[item.ProductID] += item.Quantity
		}
	}

	ranked := make([]domain.TopProduct, 0, len(sold))
	for productID, qty := range sold {
		name := names[productID]
		if name == "" {
			name = fallbackName(sales, productID)
		}
		ranked = append(ranked, domain.TopProduct{ProductID: productID, Name: name, QuantitySold: qty})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].QuantitySold != ranked[j].QuantitySold {
			return ranked[i].QuantitySold > ranked[j].QuantitySold
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})

	if len(ranked) > topProductLimit {
		ranked = ranked[:topProductLimit]
	}
	return ranked
}

// fallbackName recovers a display name from the sale line snapshot when the
// product has since been deleted from the catalog.
func fallbackName(sales []domain.Sale, productID string) string {
	for _, sale := range sales {
		for _, item := range sale.Items {
			if item.ProductID == productID && item.ProductName != "" {
				return item.ProductName
			}
		}
	}
	return productID
}
