package plans

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the built-in catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		catalog, err := New(DefaultVersion, defaultDefinitions())
		if err != nil {
			panic("plans: invalid built-in catalog: " + err.Error())
		}
		defaultCatalog = catalog
	})
	return defaultCatalog
}

func defaultDefinitions() []Definition {
	base := []enums.FeatureFlag{
		enums.FeatureDashboard,
		enums.FeatureWorkOrders,
		enums.FeatureCustomerPortal,
	}
	starter := append(append([]enums.FeatureFlag{}, base...),
		enums.FeatureTechnicianApp,
		enums.FeatureInventory,
		enums.FeatureDataExport,
	)
	growth := append(append([]enums.FeatureFlag{}, starter...),
		enums.FeatureLiveMetrics,
		enums.FeatureMessaging,
		enums.FeatureMultiShopReports,
	)
	enterprise := append(append([]enums.FeatureFlag{}, growth...),
		enums.FeatureAPIAccess,
		enums.FeaturePrioritySupport,
	)

	return []Definition{
		{ID: enums.PlanFree, Name: "Free", MonthlyPrice: decimal.Zero, Currency: "usd", MaxUsers: 2, MaxShops: 1, Rank: 0, features: base},
		{ID: enums.PlanStarter, Name: "Starter", MonthlyPrice: decimal.NewFromInt(29), Currency: "usd", MaxUsers: 5, MaxShops: 1, Rank: 1, features: starter},
		{ID: enums.PlanGrowth, Name: "Growth", MonthlyPrice: decimal.NewFromInt(79), Currency: "usd", MaxUsers: 20, MaxShops: 3, Rank: 2, features: growth},
		{ID: enums.PlanEnterprise, Name: "Enterprise", MonthlyPrice: decimal.NewFromInt(199), Currency: "usd", MaxUsers: 100, MaxShops: 10, Rank: 3, features: enterprise},
	}
}
