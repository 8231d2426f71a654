package plan

// Built-in filter ids wired by the default plan.
const (
	FilterParser           = "parser"
	FilterKosit            = "kosit"
	FilterLiveVerifiers    = "live-verifiers"
	FilterVIES             = "vies"
	FilterECBRates         = "ecb-rates"
	FilterPeppolDirectory  = "peppol"
	FilterAmountValidation = "steps-amount-validation"
	FilterSemanticRisk     = "semantic-risk"
	FilterFingerprint      = "fingerprint"
	FilterPolicyGate       = "policy-gate"
)

// DefaultPlan is the built-in compliance pipeline: parse, run the KoSIT
// scenario check, fan out to the live verifiers in parallel, then the
// deterministic calculation and risk steps, and close with the fingerprint
// and policy gate, which run even after an abort.
func DefaultPlan() (*Plan, error) {
	externalRetry := &RetrySpec{
		MaxRetries:        3,
		InitialDelayMs:    200,
		BackoffMultiplier: 2,
		MaxDelayMs:        2_000,
		TotalBudgetMs:     8_000,
	}

	return NewBuilder().
		SetID("default-compliance").
		SetVersion("1.0.0").
		SetName("EN16931 compliance pipeline").
		SetDefault(true).
		AddStep(Step{
			FilterID:      FilterParser,
			Order:         1,
			FailurePolicy: FailFast,
		}).
		AddStep(Step{
			FilterID:      FilterKosit,
			Order:         2,
			Condition:     "filter-passed(parser)",
			FailurePolicy: FailFast,
			Retry:         externalRetry,
		}).
		AddStep(Step{
			FilterID:      FilterLiveVerifiers,
			Order:         3,
			Condition:     "filter-passed(parser)",
			Parallel:      true,
			FailurePolicy: BestEffort,
			Children: []Step{
				{FilterID: FilterVIES, FailurePolicy: BestEffort, Retry: externalRetry},
				{FilterID: FilterECBRates, FailurePolicy: BestEffort, Retry: externalRetry},
				{FilterID: FilterPeppolDirectory, FailurePolicy: BestEffort, Retry: externalRetry},
			},
		}).
		AddStep(Step{
			FilterID:      FilterAmountValidation,
			Order:         4,
			Condition:     "filter-passed(parser)",
			FailurePolicy: SoftFail,
		}).
		AddStep(Step{
			FilterID:      FilterSemanticRisk,
			Order:         5,
			Condition:     "filter-passed(parser)",
			FailurePolicy: SoftFail,
		}).
		AddStep(Step{
			FilterID:      FilterFingerprint,
			Order:         6,
			FailurePolicy: AlwaysRun,
		}).
		AddStep(Step{
			FilterID:      FilterPolicyGate,
			Order:         7,
			FailurePolicy: AlwaysRun,
		}).
		Build()
}
