package configapi

// Category names one logical service area of the config platform.
type Category string

const (
	CategoryLoyalty        Category = "loyalty"
	CategoryExtendedFields Category = "extended_fields"
	CategoryCampaigns      Category = "campaigns"
	CategoryPromotions     Category = "promotions"
	CategoryCoupons        Category = "coupons"
	CategoryAudiences      Category = "audiences"
	CategoryOrgSettings    Category = "org_settings"
)

// Categories lists every service area in fetch order.
var Categories = []Category{
	CategoryLoyalty,
	CategoryExtendedFields,
	CategoryCampaigns,
	CategoryPromotions,
	CategoryCoupons,
	CategoryAudiences,
	CategoryOrgSettings,
}

// ParamSpec declares one request parameter so a thin UI can render it.
type ParamSpec struct {
	Key      string `json:"key"`
	Type     string `json:"type"` // int | string | bool
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required"`
}

// Endpoint is one typed platform endpoint.
type Endpoint struct {
	Name     string // api_name in call tracking
	Method   string
	Path     string // template; {program_id} is substituted from params
	Query    map[string]string
	ItemsKey string // JSON key holding the item list; "" means top-level array
	Params   []ParamSpec
}

// NeedsProgramID reports whether the endpoint's path requires program_id
// substitution.
func (e Endpoint) NeedsProgramID() bool {
	for _, p := range e.Params {
		if p.Key == "program_id" && p.Required {
			return true
		}
	}
	return false
}

var programIDParam = ParamSpec{Key: "program_id", Type: "int", Required: true}

// EndpointsFor returns the endpoint table of one category. Within a category
// endpoints run sequentially; a single failure never aborts the category.
func EndpointsFor(category Category) []Endpoint {
	return endpointTables[category]
}

var endpointTables = map[Category][]Endpoint{
	CategoryLoyalty: {
		{Name: "loyalty_programs", Method: "GET", Path: "/api/v1/loyalty/programs", ItemsKey: "programs"},
		{Name: "loyalty_tiers", Method: "GET", Path: "/api/v1/loyalty/programs/{program_id}/tiers", ItemsKey: "tiers", Params: []ParamSpec{programIDParam}},
		{Name: "loyalty_earning_rules", Method: "GET", Path: "/api/v1/loyalty/programs/{program_id}/earning-rules", ItemsKey: "rules", Params: []ParamSpec{programIDParam}},
		{Name: "loyalty_rewards", Method: "GET", Path: "/api/v1/loyalty/programs/{program_id}/rewards", ItemsKey: "rewards", Params: []ParamSpec{programIDParam}},
		{Name: "loyalty_currencies", Method: "GET", Path: "/api/v1/loyalty/currencies", ItemsKey: "currencies"},
	},
	CategoryExtendedFields: {
		{Name: "extended_field_definitions", Method: "GET", Path: "/api/v1/extended-fields/definitions", ItemsKey: "definitions"},
		{Name: "extended_field_groups", Method: "GET", Path: "/api/v1/extended-fields/groups", ItemsKey: "groups"},
	},
	CategoryCampaigns: {
		{Name: "campaigns", Method: "GET", Path: "/api/v2/campaigns", Query: map[string]string{"status": "all"}, ItemsKey: "campaigns"},
		{Name: "campaign_templates", Method: "GET", Path: "/api/v2/campaigns/templates", ItemsKey: "templates"},
		{Name: "campaign_messages", Method: "GET", Path: "/api/v2/campaigns/messages", ItemsKey: "messages"},
	},
	CategoryPromotions: {
		{Name: "promotions", Method: "GET", Path: "/api/v1/promotions", ItemsKey: "promotions"},
		{Name: "promotion_rules", Method: "GET", Path: "/api/v1/promotions/rules", ItemsKey: "rules"},
	},
	CategoryCoupons: {
		{Name: "coupon_series", Method: "GET", Path: "/api/v1/coupons/series", ItemsKey: "series"},
		{Name: "coupon_redemption_rules", Method: "GET", Path: "/api/v1/coupons/redemption-rules", ItemsKey: "rules"},
	},
	CategoryAudiences: {
		{Name: "audiences", Method: "GET", Path: "/api/v1/audiences", ItemsKey: "audiences"},
		{Name: "audience_filters", Method: "GET", Path: "/api/v1/audiences/filters", ItemsKey: "filters"},
	},
	CategoryOrgSettings: {
		{Name: "org_settings", Method: "GET", Path: "/api/internal/org-settings", ItemsKey: "settings"},
		{Name: "org_custom_fields", Method: "GET", Path: "/api/internal/org-settings/custom-fields", ItemsKey: "fields"},
		{Name: "org_integrations", Method: "GET", Path: "/api/internal/org-settings/integrations", ItemsKey: "integrations"},
	},
}

// AllEndpoints returns every declared endpoint across all categories.
func AllEndpoints() []Endpoint {
	var all []Endpoint
	for _, cat := range Categories {
		all = append(all, endpointTables[cat]...)
	}
	return all
}

// ParamSchema returns the union of parameter specs across a category's
// endpoints, keyed once per key.
func ParamSchema(category Category) []ParamSpec {
	seen := make(map[string]bool)
	var out []ParamSpec
	for _, ep := range endpointTables[category] {
		for _, p := range ep.Params {
			if !seen[p.Key] {
				seen[p.Key] = true
				out = append(out, p)
			}
		}
	}
	return out
}
