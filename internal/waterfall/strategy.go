package waterfall

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
)

const (
	defaultRegistryTimeout    = 5 * time.Second
	defaultWorkers            = 8
	defaultExistingConfidence = 0.9
)

// Strategy names the input columns and switches the optional tiers of one
// resolution run.
type Strategy struct {
	PlanCodeColumn      string `yaml:"plan_code_column" mapstructure:"plan_code_column"`
	CustomerNameColumn  string `yaml:"customer_name_column" mapstructure:"customer_name_column"`
	AccountNameColumn   string `yaml:"account_name_column" mapstructure:"account_name_column"`
	AccountNumberColumn string `yaml:"account_number_column" mapstructure:"account_number_column"`
	ExistingIDColumn    string `yaml:"existing_id_column" mapstructure:"existing_id_column"`
	OutputColumn        string `yaml:"output_column" mapstructure:"output_column"`
	RowKeyColumn        string `yaml:"row_key_column" mapstructure:"row_key_column"`

	// LookupOrder is the type priority for the override and cache tiers.
	// Empty means model.AllLookupTypes.
	LookupOrder []model.LookupType `yaml:"lookup_order" mapstructure:"lookup_order"`

	EnableRegistry   bool          `yaml:"enable_registry" mapstructure:"enable_registry"`
	RegistryTimeout  time.Duration `yaml:"registry_timeout" mapstructure:"registry_timeout"`
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	GenerateTempIDs  bool          `yaml:"generate_temp_ids" mapstructure:"generate_temp_ids"`
	EnableBackflow   bool          `yaml:"enable_backflow" mapstructure:"enable_backflow"`
	EnableAsyncQueue bool          `yaml:"enable_async_queue" mapstructure:"enable_async_queue"`

	// ExistingConfidence is the confidence cached for identifiers accepted
	// from the existing-id column.
	ExistingConfidence float64 `yaml:"existing_confidence" mapstructure:"existing_confidence"`

	// SourceDomain and SourceTable are stamped on backflowed records.
	SourceDomain string `yaml:"source_domain" mapstructure:"source_domain"`
	SourceTable  string `yaml:"source_table" mapstructure:"source_table"`
}

// DefaultStrategy returns the column names used by the annuity batches.
func DefaultStrategy() Strategy {
	return Strategy{
		PlanCodeColumn:      "plan_code",
		CustomerNameColumn:  "customer_name",
		AccountNameColumn:   "account_name",
		AccountNumberColumn: "account_number",
		ExistingIDColumn:    "company_id",
		OutputColumn:        "company_id",
		LookupOrder:         append([]model.LookupType(nil), model.AllLookupTypes...),
		EnableRegistry:      true,
		RegistryTimeout:     defaultRegistryTimeout,
		Workers:             defaultWorkers,
		GenerateTempIDs:     true,
		EnableBackflow:      true,
		EnableAsyncQueue:    false,
		ExistingConfidence:  defaultExistingConfidence,
	}
}

// LoadStrategy reads a strategy from a YAML file with a top-level "strategy"
// key. Unset fields keep DefaultStrategy values.
func LoadStrategy(path string) (Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Strategy{}, model.NewConfigurationError(err, "waterfall: read strategy %s", path)
	}

	wrapper := struct {
		Strategy Strategy `yaml:"strategy"`
	}{Strategy: DefaultStrategy()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Strategy{}, model.NewConfigurationError(err, "waterfall: parse strategy %s", path)
	}

	s := wrapper.Strategy.withDefaults()
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// withDefaults fills zero-valued tuning fields.
func (s Strategy) withDefaults() Strategy {
	if len(s.LookupOrder) == 0 {
		s.LookupOrder = append([]model.LookupType(nil), model.AllLookupTypes...)
	}
	if s.RegistryTimeout <= 0 {
		s.RegistryTimeout = defaultRegistryTimeout
	}
	if s.Workers <= 0 {
		s.Workers = defaultWorkers
	}
	if s.ExistingConfidence <= 0 || s.ExistingConfidence > 1 {
		s.ExistingConfidence = defaultExistingConfidence
	}
	return s
}

// Validate checks the strategy before any row is processed.
func (s Strategy) Validate() error {
	if s.OutputColumn == "" {
		return model.NewConfigurationError(nil, "waterfall: output_column is required")
	}
	seen := make(map[model.LookupType]bool, len(s.LookupOrder))
	for _, lt := range s.LookupOrder {
		if !lt.Valid() {
			return model.NewConfigurationError(nil, "waterfall: unknown lookup type %q in lookup_order", lt)
		}
		if seen[lt] {
			return model.NewConfigurationError(nil, "waterfall: lookup type %q listed twice in lookup_order", lt)
		}
		seen[lt] = true
	}
	if len(s.Columns()) == 0 && s.ExistingIDColumn == "" {
		return model.NewConfigurationError(nil, "waterfall: no lookup column or existing_id_column configured")
	}
	return nil
}

// Columns returns the configured input column of every lookup type.
// plan_customer is listed under the customer column when both of its parts
// are configured.
func (s Strategy) Columns() normalize.Columns {
	cols := make(normalize.Columns, len(model.AllLookupTypes))
	set := func(lt model.LookupType, col string) {
		if col != "" {
			cols[lt] = col
		}
	}
	set(model.LookupPlanCode, s.PlanCodeColumn)
	set(model.LookupCustomerName, s.CustomerNameColumn)
	set(model.LookupAccountName, s.AccountNameColumn)
	set(model.LookupAccountNumber, s.AccountNumberColumn)
	if s.PlanCodeColumn != "" {
		set(model.LookupPlanCustomer, s.CustomerNameColumn)
	}
	return cols
}
