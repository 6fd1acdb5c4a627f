package configcorpus

import (
	"sort"
	"strings"
)

// Freq is a frequency table over config objects (unit weight per object).
type Freq map[string]int

// Add increments key.
func (f Freq) Add(key string) {
	if key != "" {
		f[key]++
	}
}

// Top returns the n most frequent keys, ties broken lexically.
func (f Freq) Top(n int) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if f[keys[i]] != f[keys[j]] {
			return f[keys[i]] > f[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Counters aggregates structure across the whole config corpus.
type Counters struct {
	EntityTypes   Freq `json:"entity_types"`
	Subtypes      Freq `json:"subtypes"`
	EntityFields  Freq `json:"entity_fields"`  // "entity.field"
	FieldTypes    Freq `json:"field_types"`    // "field:type"
	FieldValues   Freq `json:"field_values"`   // "field=value" for categorical fields
	NestedKeys    Freq `json:"nested_keys"`
	Flags         Freq `json:"flags"` // has_rules | has_conditions | has_workflow
	NamingPrefix  Freq `json:"naming_prefix"`
	NamingStyle   Freq `json:"naming_style"` // separator style of entity names
	Complexity    Freq `json:"complexity"`   // bucketed depth x field-count
	TotalObjects  int  `json:"total_objects"`
}

// NewCounters allocates empty tables.
func NewCounters() *Counters {
	return &Counters{
		EntityTypes:  Freq{},
		Subtypes:     Freq{},
		EntityFields: Freq{},
		FieldTypes:   Freq{},
		FieldValues:  Freq{},
		NestedKeys:   Freq{},
		Flags:        Freq{},
		NamingPrefix: Freq{},
		NamingStyle:  Freq{},
		Complexity:   Freq{},
	}
}

// Count builds the counter set over a fingerprint corpus.
func Count(fps []Fingerprint) *Counters {
	c := NewCounters()
	for i := range fps {
		c.add(&fps[i])
	}
	return c
}

func (c *Counters) add(fp *Fingerprint) {
	c.TotalObjects++
	c.EntityTypes.Add(fp.EntityType)
	c.Subtypes.Add(fp.Subtype)
	for _, field := range fp.FieldNames {
		c.EntityFields.Add(fp.EntityType + "." + field)
		if t, ok := fp.FieldTypes[field]; ok {
			c.FieldTypes.Add(field + ":" + t)
		}
	}
	for field, value := range fp.Categorical {
		c.FieldValues.Add(field + "=" + value)
	}
	for _, k := range fp.NestedKeys {
		c.NestedKeys.Add(k)
	}
	if fp.HasRules {
		c.Flags.Add("has_rules")
	}
	if fp.HasConditions {
		c.Flags.Add("has_conditions")
	}
	if fp.HasWorkflow {
		c.Flags.Add("has_workflow")
	}
	c.NamingPrefix.Add(NamePrefix(fp.EntityName))
	c.NamingStyle.Add(SeparatorStyle(fp.EntityName))
	c.Complexity.Add(complexityBucket(fp.Complexity()))
}

// NamePrefix extracts the leading token of an entity name, split on the
// first separator.
func NamePrefix(name string) string {
	if name == "" {
		return ""
	}
	if idx := strings.IndexAny(name, "_- ."); idx > 0 {
		return name[:idx]
	}
	return ""
}

// SeparatorStyle classifies the separator convention of one name.
func SeparatorStyle(name string) string {
	switch {
	case name == "":
		return ""
	case strings.Contains(name, "_"):
		return "snake"
	case strings.Contains(name, "-"):
		return "kebab"
	case strings.Contains(name, " "):
		return "spaced"
	case name != strings.ToLower(name) && name[0] >= 'a' && name[0] <= 'z':
		return "camel"
	default:
		return "plain"
	}
}

func complexityBucket(score int) string {
	switch {
	case score <= 10:
		return "simple"
	case score <= 60:
		return "moderate"
	default:
		return "complex"
	}
}
