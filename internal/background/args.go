package background

// ChargeRetryArgs re-submits a charge whose continuation failed. The receipt
// key makes the retry safe to run any number of times.
type ChargeRetryArgs struct {
	BillingAccountID int64  `json:"billing_account_id"`
	VirtualKeyID     string `json:"virtual_key_id,omitzero"`
	RunID            string `json:"run_id"`
	Attempt          int    `json:"attempt"`
	SourceSystem     string `json:"source_system"`
	SourceReference  string `json:"source_reference"`
	ChargedCredits   int64  `json:"charged_credits"`
	Provenance       string `json:"provenance"`
	IngressRequestID string `json:"ingress_request_id,omitzero"`
}

func (c ChargeRetryArgs) Kind() string {
	return "charge_retry"
}

type InvocationPurgeArgs struct {
	RetentionDays int `json:"retention_days"`
}

func (i InvocationPurgeArgs) Kind() string {
	return "invocation_purge"
}
