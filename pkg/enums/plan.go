package enums

import "fmt"

// PlanID identifies a tier in the plan catalog. The set is closed.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanStarter    PlanID = "starter"
	PlanGrowth     PlanID = "growth"
	PlanEnterprise PlanID = "enterprise"
)

// PlanIDs lists every plan identifier in ascending tier order.
var PlanIDs = []PlanID{
	PlanFree,
	PlanStarter,
	PlanGrowth,
	PlanEnterprise,
}

func (p PlanID) String() string {
	return string(p)
}

func (p PlanID) IsValid() bool {
	for _, candidate := range PlanIDs {
		if candidate == p {
			return true
		}
	}
	return false
}

func ParsePlanID(value string) (PlanID, error) {
	for _, candidate := range PlanIDs {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan id %q", value)
}

// FeatureFlag names a capability a plan can grant.
type FeatureFlag string

const (
	FeatureDashboard        FeatureFlag = "dashboard"
	FeatureWorkOrders       FeatureFlag = "work_orders"
	FeatureCustomerPortal   FeatureFlag = "customer_portal"
	FeatureTechnicianApp    FeatureFlag = "technician_app"
	FeatureInventory        FeatureFlag = "inventory"
	FeatureLiveMetrics      FeatureFlag = "live_metrics"
	FeatureDataExport       FeatureFlag = "data_export"
	FeatureMessaging        FeatureFlag = "messaging"
	FeatureMultiShopReports FeatureFlag = "multi_shop_reports"
	FeatureAPIAccess        FeatureFlag = "api_access"
	FeaturePrioritySupport  FeatureFlag = "priority_support"
)

var validFeatureFlags = []FeatureFlag{
	FeatureDashboard,
	FeatureWorkOrders,
	FeatureCustomerPortal,
	FeatureTechnicianApp,
	FeatureInventory,
	FeatureLiveMetrics,
	FeatureDataExport,
	FeatureMessaging,
	FeatureMultiShopReports,
	FeatureAPIAccess,
	FeaturePrioritySupport,
}

// ReadOnlyFeatures is the subset kept once a grace window lapses: tenants can
// still view and export their data but cannot operate the shop.
var ReadOnlyFeatures = []FeatureFlag{
	FeatureDashboard,
	FeatureLiveMetrics,
	FeatureDataExport,
}

func (f FeatureFlag) IsValid() bool {
	for _, candidate := range validFeatureFlags {
		if candidate == f {
			return true
		}
	}
	return false
}

func ParseFeatureFlag(value string) (FeatureFlag, error) {
	for _, candidate := range validFeatureFlags {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid feature flag %q", value)
}
