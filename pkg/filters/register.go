package filters

import (
	"fmt"

	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
)

// Defaults carries the external endpoints for the built-in filter set.
// Empty sections leave the corresponding filter unregistered; plans that
// still name the step will record a FILTER_NOT_FOUND errored result.
type Defaults struct {
	Kosit  *KositConfig
	VIES   *VerifierConfig
	ECB    *VerifierConfig
	Peppol *VerifierConfig
}

// RegisterDefaults registers the built-in filters used by the default plan.
func RegisterDefaults(reg *filter.Registry, d Defaults) error {
	gate, err := policygate.NewFilter(policygate.FilterID)
	if err != nil {
		return err
	}

	set := []filter.Filter{
		NewParser(),
		NewAmountValidation(),
		NewSemanticRisk(),
		NewFingerprintMarker(),
		gate,
	}
	if d.Kosit != nil {
		set = append(set, NewKositFilter(*d.Kosit))
	}
	if d.VIES != nil {
		set = append(set, NewVIESFilter(*d.VIES))
	}
	if d.ECB != nil {
		set = append(set, NewECBRatesFilter(*d.ECB))
	}
	if d.Peppol != nil {
		set = append(set, NewPeppolFilter(*d.Peppol))
	}

	for _, f := range set {
		if err := reg.Register(f); err != nil {
			return fmt.Errorf("register %s: %w", f.ID(), err)
		}
	}
	return nil
}
