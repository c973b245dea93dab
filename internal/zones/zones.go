// Package zones holds the static delivery-zone table. A zone stretches the
// spacing between recipients of a batch and caps the sender's hourly limit.
package zones

type Rule struct {
	ID              string  `json:"id"`
	Label           string  `json:"label"`
	DelayMultiplier float64 `json:"delayMultiplier"`
	HourlyLimitCap  int     `json:"hourlyLimitCap"`
}

const DefaultID = "anantnag"

var table = []Rule{
	{ID: "anantnag", Label: "Anantnag", DelayMultiplier: 1, HourlyLimitCap: 200},
	{ID: "srinagar", Label: "Srinagar", DelayMultiplier: 1, HourlyLimitCap: 200},
	{ID: "south-kashmir", Label: "South Kashmir", DelayMultiplier: 1.15, HourlyLimitCap: 150},
	{ID: "north-kashmir", Label: "North Kashmir", DelayMultiplier: 1.2, HourlyLimitCap: 150},
	{ID: "outside-kashmir", Label: "Outside Kashmir", DelayMultiplier: 1.35, HourlyLimitCap: 100},
}

var byID = func() map[string]Rule {
	m := make(map[string]Rule, len(table))
	for _, r := range table {
		m[r.ID] = r
	}
	return m
}()

// Resolve returns the rule for id, or the default rule when id is empty
// or unknown.
func Resolve(id string) Rule {
	if r, ok := byID[id]; ok {
		return r
	}
	return byID[DefaultID]
}

// Valid reports whether id names a zone in the table.
func Valid(id string) bool {
	_, ok := byID[id]
	return ok
}

// List returns a copy of the zone table in display order.
func List() []Rule {
	out := make([]Rule, len(table))
	copy(out, table)
	return out
}
