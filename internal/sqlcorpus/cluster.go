package sqlcorpus

import (
	"sort"
	"strings"
)

// NoTableSignature marks queries touching no table at all.
const NoTableSignature = "__NONE__"

// Cluster groups fingerprints sharing a table signature.
type Cluster struct {
	Signature      string   `json:"signature"` // sorted unique tables joined by |
	Tables         []string `json:"tables"`
	Members        []int    `json:"members"` // fingerprint indexes
	Weight         int      `json:"weight"`
	Representative string   `json:"representative"` // shortest raw SQL
	Complex        string   `json:"complex"`        // longest raw SQL
	TopFunctions   []string `json:"top_functions"`
	TopGroupBy     []string `json:"top_group_by"`
	TopWhere       []string `json:"top_where"`
}

// Signature computes a fingerprint's table signature.
func Signature(tables []string) string {
	if len(tables) == 0 {
		return NoTableSignature
	}
	unique := make(map[string]bool, len(tables))
	var sorted []string
	for _, t := range tables {
		if !unique[t] {
			unique[t] = true
			sorted = append(sorted, t)
		}
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// BuildClusters groups the corpus by table signature, ordered by descending
// weight. Each cluster records its shortest and longest member and the
// weighted-top functions, group-bys and predicates of its members.
func BuildClusters(fps []Fingerprint) []Cluster {
	bySig := make(map[string]*Cluster)
	var order []string

	for i := range fps {
		sig := Signature(fps[i].Tables)
		cluster, ok := bySig[sig]
		if !ok {
			cluster = &Cluster{Signature: sig}
			if sig != NoTableSignature {
				cluster.Tables = strings.Split(sig, "|")
			}
			bySig[sig] = cluster
			order = append(order, sig)
		}
		cluster.Members = append(cluster.Members, i)
		cluster.Weight += fps[i].Frequency
	}

	out := make([]Cluster, 0, len(order))
	for _, sig := range order {
		cluster := bySig[sig]
		fillCluster(cluster, fps)
		out = append(out, *cluster)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

func fillCluster(c *Cluster, fps []Fingerprint) {
	functions := Freq{}
	groupBy := Freq{}
	where := Freq{}

	for _, idx := range c.Members {
		fp := &fps[idx]
		if c.Representative == "" || len(fp.RawSQL) < len(c.Representative) {
			c.Representative = fp.RawSQL
		}
		if len(fp.RawSQL) > len(c.Complex) {
			c.Complex = fp.RawSQL
		}
		for _, fn := range fp.Functions {
			functions.Add(fn.Name, fp.Frequency)
		}
		for _, g := range fp.GroupBy {
			groupBy.Add(strings.TrimSpace(g), fp.Frequency)
		}
		for _, pred := range fp.Where {
			where.Add(NormalizePredicate(pred.Expr), fp.Frequency)
		}
	}

	c.TopFunctions = functions.Top(5)
	c.TopGroupBy = groupBy.Top(5)
	c.TopWhere = where.Top(5)
}

// MultiTableClusters returns clusters spanning more than one table, used by
// the focus-doc assessor as complexity highlights.
func MultiTableClusters(clusters []Cluster) []Cluster {
	var out []Cluster
	for _, c := range clusters {
		if len(c.Tables) > 1 {
			out = append(out, c)
		}
	}
	return out
}
