package configcorpus

import (
	"encoding/json"
	"sort"
)

// Cluster groups config fingerprints by (entity-type, subtype).
type Cluster struct {
	EntityType   string            `json:"entity_type"`
	Subtype      string            `json:"subtype,omitempty"`
	Size         int               `json:"size"`
	Templates    []json.RawMessage `json:"templates"`     // up to five diverse full objects
	CommonFields []string          `json:"common_fields"` // present in >=70% of members
	TopValues    map[string][]string `json:"top_values"`  // categorical field -> frequent values
	NamingPrefix string            `json:"naming_prefix,omitempty"` // when >=30% share it
	NamingStyle  string            `json:"naming_style,omitempty"`
	RulesCount   int               `json:"rules_count"`
	ConditionsCount int            `json:"conditions_count"`
	WorkflowCount   int            `json:"workflow_count"`
}

const (
	maxTemplates       = 5
	commonFieldShare   = 0.70
	namingPrefixShare  = 0.30
)

// BuildClusters groups the corpus by (entity-type, subtype), ordered by
// descending size.
func BuildClusters(fps []Fingerprint) []Cluster {
	type key struct{ entityType, subtype string }
	byKey := make(map[key][]int)
	var order []key

	for i := range fps {
		k := key{fps[i].EntityType, fps[i].Subtype}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	out := make([]Cluster, 0, len(order))
	for _, k := range order {
		out = append(out, buildCluster(k.entityType, k.subtype, byKey[k], fps))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Subtype < out[j].Subtype
	})
	return out
}

func buildCluster(entityType, subtype string, members []int, fps []Fingerprint) Cluster {
	c := Cluster{EntityType: entityType, Subtype: subtype, Size: len(members)}

	c.Templates = pickTemplates(members, fps)

	fieldCounts := Freq{}
	values := make(map[string]Freq)
	prefixes := Freq{}
	styles := Freq{}
	for _, idx := range members {
		fp := &fps[idx]
		for _, f := range fp.FieldNames {
			fieldCounts.Add(f)
		}
		for field, value := range fp.Categorical {
			vals, ok := values[field]
			if !ok {
				vals = Freq{}
				values[field] = vals
			}
			vals.Add(value)
		}
		prefixes.Add(NamePrefix(fp.EntityName))
		styles.Add(SeparatorStyle(fp.EntityName))
		if fp.HasRules {
			c.RulesCount++
		}
		if fp.HasConditions {
			c.ConditionsCount++
		}
		if fp.HasWorkflow {
			c.WorkflowCount++
		}
	}

	threshold := int(float64(len(members))*commonFieldShare + 0.5)
	for field, n := range fieldCounts {
		if n >= threshold {
			c.CommonFields = append(c.CommonFields, field)
		}
	}
	sort.Strings(c.CommonFields)

	c.TopValues = make(map[string][]string, len(values))
	for field, vals := range values {
		c.TopValues[field] = vals.Top(5)
	}

	for _, prefix := range prefixes.Top(1) {
		if float64(prefixes[prefix]) >= float64(len(members))*namingPrefixShare {
			c.NamingPrefix = prefix
		}
	}
	for _, style := range styles.Top(1) {
		c.NamingStyle = style
	}
	return c
}

// pickTemplates selects up to five members by diversity: the simplest and
// the most complex by depth x field-count, then evenly-spaced picks from the
// middle of the complexity ordering, deduplicated.
func pickTemplates(members []int, fps []Fingerprint) []json.RawMessage {
	ordered := make([]int, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		return fps[ordered[i]].Complexity() < fps[ordered[j]].Complexity()
	})

	var picks []int
	if len(ordered) > 0 {
		picks = append(picks, ordered[0])
	}
	if len(ordered) > 1 {
		picks = append(picks, ordered[len(ordered)-1])
	}
	middle := ordered
	if len(ordered) > 2 {
		middle = ordered[1 : len(ordered)-1]
	} else {
		middle = nil
	}
	remaining := maxTemplates - len(picks)
	if remaining > 0 && len(middle) > 0 {
		step := float64(len(middle)) / float64(remaining+1)
		for i := 1; i <= remaining; i++ {
			picks = append(picks, middle[int(step*float64(i))])
		}
	}

	seen := make(map[int]bool)
	var out []json.RawMessage
	for _, idx := range picks {
		if seen[idx] || len(fps[idx].Template) == 0 {
			continue
		}
		seen[idx] = true
		out = append(out, fps[idx].Template)
	}
	return out
}
