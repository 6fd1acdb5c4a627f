package configcorpus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"atlas/internal/configapi"
)

// Fingerprint is the structured decomposition of one configuration object.
type Fingerprint struct {
	EntityType    string              `json:"entity_type"`
	Subtype       string              `json:"subtype,omitempty"`
	EntityName    string              `json:"entity_name,omitempty"`
	EntityID      string              `json:"entity_id,omitempty"`
	FieldNames    []string            `json:"field_names"`
	FieldTypes    map[string]string   `json:"field_types"`
	Categorical   map[string]string   `json:"categorical_values,omitempty"`
	NestedKeys    []string            `json:"nested_keys,omitempty"`
	MaxDepth      int                 `json:"max_depth"`
	FieldCount    int                 `json:"field_count"`
	HasRules      bool                `json:"has_rules"`
	HasConditions bool                `json:"has_conditions"`
	HasWorkflow   bool                `json:"has_workflow"`
	Template      json.RawMessage     `json:"template"` // truncated object body
}

// Complexity orders fingerprints from simplest to most complex.
func (f Fingerprint) Complexity() int {
	return f.MaxDepth * f.FieldCount
}

// entityTypes maps api_name to the entity type its items carry.
var entityTypes = map[string]string{
	"loyalty_programs":           "loyalty_program",
	"loyalty_tiers":              "loyalty_tier",
	"loyalty_earning_rules":      "earning_rule",
	"loyalty_rewards":            "reward",
	"loyalty_currencies":         "loyalty_currency",
	"extended_field_definitions": "extended_field",
	"extended_field_groups":      "extended_field_group",
	"campaigns":                  "campaign",
	"campaign_templates":         "campaign_template",
	"campaign_messages":          "campaign_message",
	"promotions":                 "promotion",
	"promotion_rules":            "promotion_rule",
	"coupon_series":              "coupon_series",
	"coupon_redemption_rules":    "redemption_rule",
	"audiences":                  "audience",
	"audience_filters":           "audience_filter",
	"org_settings":               "org_setting",
	"org_custom_fields":          "custom_field",
	"org_integrations":           "integration",
}

// EntityTypeFor resolves the entity type of one endpoint's items from the
// category and api name.
func EntityTypeFor(category configapi.Category, apiName string) string {
	if t, ok := entityTypes[apiName]; ok {
		return t
	}
	return string(category) + "_" + apiName
}

var subtypeKeys = []string{"type", "campaignType", "promotionType", "couponType", "audienceType", "subType", "category"}
var nameKeys = []string{"name", "programName", "campaignName", "title", "label", "key"}
var idKeys = []string{"id", "programId", "campaignId", "uuid"}

const (
	maxStringLen  = 2000
	maxArrayItems = 50
	maxTemplate   = 16000
)

// FingerprintItems decomposes one endpoint's items. Items that fail to
// decode are skipped; the caller tracks counts through the call log.
func FingerprintItems(category configapi.Category, apiName string, items []json.RawMessage) []Fingerprint {
	entityType := EntityTypeFor(category, apiName)
	out := make([]Fingerprint, 0, len(items))
	for _, raw := range items {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		out = append(out, fingerprintObject(entityType, obj))
	}
	return out
}

func fingerprintObject(entityType string, obj map[string]any) Fingerprint {
	truncated := truncateValue(obj, 0).(map[string]any)

	fp := Fingerprint{
		EntityType: entityType,
		FieldTypes: make(map[string]string),
	}
	fp.Subtype = firstString(obj, subtypeKeys)
	fp.EntityName = firstString(obj, nameKeys)
	fp.EntityID = firstScalar(obj, idKeys)

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fp.FieldNames = keys

	categorical := make(map[string]string)
	for _, k := range keys {
		v := obj[k]
		fp.FieldTypes[k] = jsonType(v)
		if s, ok := v.(string); ok && looksCategorical(s) {
			categorical[k] = s
		}
		if nested, ok := v.(map[string]any); ok {
			for nk := range nested {
				fp.NestedKeys = append(fp.NestedKeys, k+"."+nk)
			}
		}
	}
	sort.Strings(fp.NestedKeys)
	if len(categorical) > 0 {
		fp.Categorical = categorical
	}

	fp.MaxDepth = depthOf(obj)
	fp.FieldCount = countFields(obj)
	scanStructural(obj, &fp)

	fp.Template = marshalTemplate(truncated)
	return fp
}

// marshalTemplate bounds the marshaled template size by replacing the
// largest top-level field with a size marker and re-marshaling until the
// result fits. The template stays valid JSON at every step; it feeds the
// analysis blob downstream, so a byte-level cut is never acceptable.
func marshalTemplate(obj map[string]any) json.RawMessage {
	tmpl, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	for len(tmpl) > maxTemplate {
		key, size := largestField(obj)
		if key == "" {
			return nil
		}
		obj[key] = fmt.Sprintf("...[%d bytes dropped]", size)
		next, err := json.Marshal(obj)
		if err != nil || len(next) >= len(tmpl) {
			return nil
		}
		tmpl = next
	}
	return tmpl
}

// largestField returns the top-level key with the biggest marshaled value,
// breaking ties lexically.
func largestField(obj map[string]any) (string, int) {
	var key string
	size := -1
	for k, v := range obj {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if len(b) > size || (len(b) == size && k < key) {
			key = k
			size = len(b)
		}
	}
	return key, size
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstScalar(obj map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "unknown"
}

// looksCategorical keeps short enumeration-style string values.
func looksCategorical(s string) bool {
	return len(s) > 0 && len(s) <= 64 && !strings.ContainsAny(s, "\n{}")
}

func depthOf(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := depthOf(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := depthOf(child); d > max {
				max = d
			}
		}
		return max
	}
	return 0
}

func countFields(v any) int {
	switch t := v.(type) {
	case map[string]any:
		n := len(t)
		for _, child := range t {
			n += countFields(child)
		}
		return n
	case []any:
		n := 0
		for _, child := range t {
			n += countFields(child)
		}
		return n
	}
	return 0
}

// scanStructural walks key names recursively for rule/condition/workflow
// markers.
func scanStructural(v any, fp *Fingerprint) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			lower := strings.ToLower(k)
			if strings.Contains(lower, "rule") {
				fp.HasRules = true
			}
			if strings.Contains(lower, "condition") {
				fp.HasConditions = true
			}
			if strings.Contains(lower, "workflow") || strings.Contains(lower, "flow") {
				fp.HasWorkflow = true
			}
			scanStructural(child, fp)
		}
	case []any:
		for _, child := range t {
			scanStructural(child, fp)
		}
	}
}

// truncateValue bounds string and array sizes so templates stay small: long
// strings are cut at 2,000 chars, arrays are capped at 50 with a summary
// element.
func truncateValue(v any, depth int) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen] + "...[truncated]"
		}
		return t
	case []any:
		if len(t) > maxArrayItems {
			capped := make([]any, 0, maxArrayItems+1)
			for _, child := range t[:maxArrayItems] {
				capped = append(capped, truncateValue(child, depth+1))
			}
			capped = append(capped, fmt.Sprintf("...[%d more items]", len(t)-maxArrayItems))
			return capped
		}
		out := make([]any, 0, len(t))
		for _, child := range t {
			out = append(out, truncateValue(child, depth+1))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = truncateValue(child, depth+1)
		}
		return out
	}
	return v
}
