package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/companyid/internal/model"
)

func testColumns() Columns {
	return Columns{
		model.LookupPlanCode:      "plan_code",
		model.LookupCustomerName:  "customer_name",
		model.LookupAccountName:   "account_name",
		model.LookupAccountNumber: "account_number",
	}
}

func TestRowKeys(t *testing.T) {
	n := Default()
	keys := n.RowKeys(model.Row{
		"plan_code":      " p-1 ",
		"customer_name":  "「公司A」",
		"account_number": "12-34 56",
		"account_name":   "  ",
		"other":          "ignored",
	}, testColumns())

	assert.Equal(t, map[model.LookupType]string{
		model.LookupPlanCode:      "P-1",
		model.LookupCustomerName:  "公司A",
		model.LookupAccountNumber: "123456",
		model.LookupPlanCustomer:  "P-1|公司A",
	}, keys)
}

func TestRowKeys_NoCompositeWithoutBothParts(t *testing.T) {
	n := Default()
	keys := n.RowKeys(model.Row{"customer_name": "Acme"}, testColumns())
	assert.Equal(t, map[model.LookupType]string{model.LookupCustomerName: "ACME"}, keys)

	keys = n.RowKeys(model.Row{"plan_code": "P1"}, Columns{model.LookupPlanCode: "plan_code"})
	assert.Equal(t, map[model.LookupType]string{model.LookupPlanCode: "P1"}, keys)
}

func TestRowKeys_UnconfiguredColumn(t *testing.T) {
	n := Default()
	keys := n.RowKeys(model.Row{"customer_name": "Acme"}, Columns{model.LookupPlanCode: "plan_code"})
	assert.Empty(t, keys)
}
