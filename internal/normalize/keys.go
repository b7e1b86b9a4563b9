package normalize

import "github.com/sells-group/companyid/internal/model"

// Columns maps each lookup type to the input column carrying its raw value.
// plan_customer has no column of its own; it is built from the plan_code and
// customer_name columns.
type Columns map[model.LookupType]string

// RowKeys normalizes every lookup key row carries under cols. Types whose
// value is null or normalizes to empty are omitted.
func (n *Normalizer) RowKeys(row model.Row, cols Columns) map[model.LookupType]string {
	keys := make(map[model.LookupType]string, len(cols)+1)
	for lt, col := range cols {
		if lt == model.LookupPlanCustomer {
			continue
		}
		raw, ok := row.Get(col)
		if !ok {
			continue
		}
		if key, ok := n.Normalize(raw, lt); ok {
			keys[lt] = key
		}
	}

	plan, okPlan := row.Get(cols[model.LookupPlanCode])
	customer, okCustomer := row.Get(cols[model.LookupCustomerName])
	if okPlan && okCustomer {
		if key, ok := n.CompositeKey(plan, customer); ok {
			keys[model.LookupPlanCustomer] = key
		}
	}
	return keys
}
