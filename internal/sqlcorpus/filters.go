package sqlcorpus

import (
	"sort"
)

// FilterTier classifies a WHERE predicate by weighted frequency.
type FilterTier string

const (
	TierMandatory    FilterTier = "MANDATORY"
	TierTableDefault FilterTier = "TABLE_DEFAULT"
	TierCommon       FilterTier = "COMMON"
	TierSituational  FilterTier = "SITUATIONAL"
)

// Thresholds are the tier cutoffs; global applies against total corpus
// weight, the others against per-table weight.
type Thresholds struct {
	Mandatory    float64 // global
	TableDefault float64 // per-table
	Common       float64 // per-table
}

// DefaultThresholds returns the standard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Mandatory: 0.50, TableDefault: 0.30, Common: 0.10}
}

// ClassifiedFilter is one classified predicate.
type ClassifiedFilter struct {
	Condition string             `json:"condition"`
	Tier      FilterTier         `json:"tier"`
	GlobalPct float64            `json:"global_pct"`
	TablePcts map[string]float64 `json:"table_pcts"` // per touched table
}

// ClassifyFilters assigns each distinct normalized predicate a tier. The
// global share uses the total corpus weight; the per-table share divides the
// predicate's weight among queries touching the table by that table's total
// weight.
func ClassifyFilters(fps []Fingerprint, counters *Counters, th Thresholds) []ClassifiedFilter {
	if counters.TotalWeight == 0 {
		return nil
	}

	// predicate -> table -> weight of queries with that predicate touching
	// that table.
	perTable := make(map[string]Freq)
	for i := range fps {
		fp := &fps[i]
		seen := make(map[string]bool)
		for _, pred := range fp.Where {
			cond := NormalizePredicate(pred.Expr)
			if seen[cond] {
				continue
			}
			seen[cond] = true
			tables, ok := perTable[cond]
			if !ok {
				tables = Freq{}
				perTable[cond] = tables
			}
			for _, t := range fp.Tables {
				tables.Add(t, fp.Frequency)
			}
		}
	}

	conditions := make([]string, 0, len(perTable))
	for cond := range perTable {
		conditions = append(conditions, cond)
	}
	sort.Strings(conditions)

	out := make([]ClassifiedFilter, 0, len(conditions))
	for _, cond := range conditions {
		globalPct := float64(counters.WherePreds[cond]) / float64(counters.TotalWeight)

		tablePcts := make(map[string]float64)
		maxTablePct := 0.0
		for table, weight := range perTable[cond] {
			tableWeight := counters.Tables[table]
			if tableWeight == 0 {
				continue
			}
			pct := float64(weight) / float64(tableWeight)
			tablePcts[table] = pct
			if pct > maxTablePct {
				maxTablePct = pct
			}
		}

		tier := TierSituational
		switch {
		case globalPct >= th.Mandatory:
			tier = TierMandatory
		case maxTablePct >= th.TableDefault:
			tier = TierTableDefault
		case maxTablePct >= th.Common:
			tier = TierCommon
		}

		out = append(out, ClassifiedFilter{
			Condition: cond,
			Tier:      tier,
			GlobalPct: globalPct,
			TablePcts: tablePcts,
		})
	}
	return out
}

// FiltersByTier partitions classified filters for payload construction.
func FiltersByTier(filters []ClassifiedFilter) map[FilterTier][]ClassifiedFilter {
	out := make(map[FilterTier][]ClassifiedFilter)
	for _, f := range filters {
		out[f.Tier] = append(out[f.Tier], f)
	}
	return out
}
