package docs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"atlas/internal/configcorpus"
	"atlas/internal/llm"
)

// Config pipeline doc keys.
const (
	KeyLoyaltyMaster     = "01_LOYALTY_MASTER"
	KeyCampaignReference = "02_CAMPAIGN_REFERENCE"
	KeyPromotionRules    = "03_PROMOTION_RULES"
	KeyAudienceSegments  = "04_AUDIENCE_SEGMENTS"
	KeyCustomizations    = "05_CUSTOMIZATIONS"
)

// configSlotEntities binds each slot to the entity types it documents.
var configSlotEntities = map[string][]string{
	KeyLoyaltyMaster:     {"loyalty_program", "loyalty_tier", "earning_rule", "reward", "loyalty_currency"},
	KeyCampaignReference: {"campaign", "campaign_template", "campaign_message"},
	KeyPromotionRules:    {"promotion", "promotion_rule", "coupon_series", "redemption_rule"},
	KeyAudienceSegments:  {"audience", "audience_filter"},
	KeyCustomizations:    {"extended_field", "extended_field_group", "org_setting", "custom_field", "integration"},
}

// ConfigSlots returns the five configuration-reference slots.
func ConfigSlots(budget int) []Slot {
	return []Slot{
		{Key: KeyLoyaltyMaster, Name: "Loyalty Program Master", Budget: budget},
		{Key: KeyCampaignReference, Name: "Campaign Reference", Budget: budget},
		{Key: KeyPromotionRules, Name: "Promotion & Coupon Rules", Budget: budget},
		{Key: KeyAudienceSegments, Name: "Audience Segments", Budget: budget},
		{Key: KeyCustomizations, Name: "Customizations & Extended Fields", Budget: budget},
	}
}

// ConfigInput is everything the config payload builder draws from.
type ConfigInput struct {
	Fingerprints []configcorpus.Fingerprint
	Counters     *configcorpus.Counters
	Clusters     []configcorpus.Cluster
}

const configDocPrompt = `You write one of five reference documents describing how an organization has
configured its loyalty/marketing platform. Describe only what is configured:
the entities in the catalog, their fields, values and naming conventions.
Name concrete configured entities by their exact names. Write plain markdown.
Never audit, never recommend, never describe what is absent or what could be
configured in the future.`

// BuildConfigPayload assembles one config slot's payload: org profile,
// entity catalog with full templates, field reference and inferred
// standards, restricted to the slot's entity types.
func BuildConfigPayload(slotKey string, in ConfigInput) Payload {
	allowed := make(map[string]bool)
	for _, t := range configSlotEntities[slotKey] {
		allowed[t] = true
	}

	var fps []configcorpus.Fingerprint
	for _, fp := range in.Fingerprints {
		if allowed[fp.EntityType] {
			fps = append(fps, fp)
		}
	}
	var clusters []configcorpus.Cluster
	for _, c := range in.Clusters {
		if allowed[c.EntityType] {
			clusters = append(clusters, c)
		}
	}
	scoped := configcorpus.Count(fps)

	return Payload{
		DocKey: slotKey,
		Sections: map[string]any{
			"org_profile":     orgProfile(in.Counters),
			"entity_catalog":  clusters,
			"field_reference": fieldReference(fps),
			"config_standards": configStandards(scoped, len(fps)),
		},
	}
}

type profileSummary struct {
	EntityCounts map[string]int `json:"entity_counts"`
	NamingPrefix []string       `json:"naming_prefixes"`
	NamingStyle  []string       `json:"naming_styles"`
	Channels     map[string]int `json:"channel_distribution,omitempty"`
}

func orgProfile(c *configcorpus.Counters) profileSummary {
	p := profileSummary{
		EntityCounts: c.EntityTypes,
		NamingPrefix: c.NamingPrefix.Top(5),
		NamingStyle:  c.NamingStyle.Top(3),
		Channels:     map[string]int{},
	}
	for key, n := range c.FieldValues {
		if strings.HasPrefix(key, "channel=") {
			p.Channels[strings.TrimPrefix(key, "channel=")] = n
		}
	}
	return p
}

type fieldEntry struct {
	Field       string   `json:"field"`
	PresencePct float64  `json:"presence_pct"`
	Type        string   `json:"type"`
	Samples     []string `json:"sample_values,omitempty"`
}

// fieldReference builds the union schema: per-field presence percentage,
// dominant type and sample values.
func fieldReference(fps []configcorpus.Fingerprint) []fieldEntry {
	if len(fps) == 0 {
		return nil
	}
	presence := configcorpus.Freq{}
	types := make(map[string]configcorpus.Freq)
	samples := make(map[string][]string)

	for i := range fps {
		for _, field := range fps[i].FieldNames {
			presence.Add(field)
			t, ok := types[field]
			if !ok {
				t = configcorpus.Freq{}
				types[field] = t
			}
			t.Add(fps[i].FieldTypes[field])
		}
		for field, value := range fps[i].Categorical {
			if len(samples[field]) < 5 && !contains(samples[field], value) {
				samples[field] = append(samples[field], value)
			}
		}
	}

	fields := make([]string, 0, len(presence))
	for f := range presence {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool {
		if presence[fields[i]] != presence[fields[j]] {
			return presence[fields[i]] > presence[fields[j]]
		}
		return fields[i] < fields[j]
	})

	out := make([]fieldEntry, 0, len(fields))
	for _, f := range fields {
		entry := fieldEntry{
			Field:       f,
			PresencePct: float64(presence[f]) / float64(len(fps)),
			Samples:     samples[f],
		}
		if top := types[f].Top(1); len(top) > 0 {
			entry.Type = top[0]
		}
		out = append(out, entry)
	}
	return out
}

type standard struct {
	Field  string   `json:"field"`
	Rule   string   `json:"rule"`
	Values []string `json:"values,omitempty"`
}

// configStandards infers rules: a dominant value held by >=70% of objects,
// or the observed enumeration for categorical fields.
func configStandards(c *configcorpus.Counters, total int) []standard {
	if total == 0 {
		return nil
	}
	byField := make(map[string]configcorpus.Freq)
	for key, n := range c.FieldValues {
		idx := strings.IndexByte(key, '=')
		if idx <= 0 {
			continue
		}
		field, value := key[:idx], key[idx+1:]
		vals, ok := byField[field]
		if !ok {
			vals = configcorpus.Freq{}
			byField[field] = vals
		}
		vals[value] = n
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []standard
	for _, field := range fields {
		vals := byField[field]
		top := vals.Top(1)
		if len(top) == 1 && float64(vals[top[0]]) >= 0.70*float64(total) {
			out = append(out, standard{Field: field, Rule: "dominant_value", Values: top})
			continue
		}
		if len(vals) <= 8 {
			out = append(out, standard{Field: field, Rule: "enumeration", Values: vals.Top(0)})
		}
	}
	return out
}

// AuthorConfigDocs generates the five configuration docs sequentially.
func (a *Author) AuthorConfigDocs(ctx context.Context, slots []Slot, in ConfigInput, progress func(done, total int)) []AuthoredDoc {
	var out []AuthoredDoc
	for i, slot := range slots {
		if progress != nil {
			progress(i, len(slots))
		}
		if ctx.Err() != nil {
			return out
		}
		doc, err := a.authorConfigDoc(ctx, slot, BuildConfigPayload(slot.Key, in))
		if err != nil {
			a.logger.Error("config doc %s failed: %v", slot.Key, err)
			continue
		}
		doc.Warnings = AuditWarnings(doc.Content, catalogNames(slot.Key, in))
		out = append(out, *doc)
	}
	if progress != nil {
		progress(len(slots), len(slots))
	}
	return out
}

func (a *Author) authorConfigDoc(ctx context.Context, slot Slot, payload Payload) (*AuthoredDoc, error) {
	serialized, err := a.builder.Serialize(payload, true)
	if err != nil {
		return nil, err
	}
	auditPayload, err := a.builder.Serialize(payload, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Complete(ctx, llm.Request{
		System: configDocPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Document slot: %s (%s)\nConfiguration payload:\n%s", slot.Key, slot.Name, serialized),
		}},
		MaxTokens: slot.Budget,
	})
	if err != nil {
		return nil, fmt.Errorf("author %s: %w", slot.Key, err)
	}
	return &AuthoredDoc{
		DocKey:       slot.Key,
		DocName:      slot.Name,
		Content:      resp.Content,
		SystemPrompt: configDocPrompt,
		Payload:      auditPayload,
		TokenCount:   CountTokens(resp.Content),
		Model:        a.client.Model(),
	}, nil
}

func catalogNames(slotKey string, in ConfigInput) []string {
	allowed := make(map[string]bool)
	for _, t := range configSlotEntities[slotKey] {
		allowed[t] = true
	}
	var names []string
	for i := range in.Fingerprints {
		if allowed[in.Fingerprints[i].EntityType] && in.Fingerprints[i].EntityName != "" {
			names = append(names, in.Fingerprints[i].EntityName)
		}
	}
	return names
}

// auditLanguageRes match audit-style phrasing the config docs must not use.
var auditLanguageRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bno \w+ (is |are )?configured\b`),
	regexp.MustCompile(`(?i)\bnot found\b`),
	regexp.MustCompile(`(?i)\b0 \w+s\b`),
	regexp.MustCompile(`(?i)\bwe recommend\b|\brecommendation\b|\brecommend\b`),
	regexp.MustCompile(`(?i)\bfuture configuration\b|\bcould be configured\b`),
	regexp.MustCompile(`(?i)\bmissing\b`),
	regexp.MustCompile(`(?i)\bappears? to be (un|not )configured\b`),
}

// AuditWarnings scans a config doc for forbidden audit language and checks
// that at least one catalog entity name appears verbatim. Warnings are
// attached to the doc record, never gating.
func AuditWarnings(content string, entityNames []string) []string {
	var warnings []string
	for _, re := range auditLanguageRes {
		if m := re.FindString(content); m != "" {
			warnings = append(warnings, fmt.Sprintf("audit language: %q", m))
		}
	}
	if len(entityNames) > 0 {
		found := false
		for _, name := range entityNames {
			if strings.Contains(content, name) {
				found = true
				break
			}
		}
		if !found {
			warnings = append(warnings, "no catalog entity name appears in the document")
		}
	}
	return warnings
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
