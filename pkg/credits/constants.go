package credits

const (
	operationGrantMonthly  = "grant_monthly"
	operationSpend         = "spend"
	operationTopUp         = "topup"
	operationPenalty       = "penalty"
	operationRefund        = "refund"
	operationAddPass       = "add_tourist_pass"
	operationConsumePass   = "consume_tourist_pass"
	operationStatusOK      = "ok"
	operationStatusError   = "error"
	sourceDelimiter        = ":"
	sourcePrefixTopUp      = "topup"
	sourcePrefixPenalty    = "penalty"
	sourcePrefixRefund     = "refund"
	hoursPerDay            = 24
	errorOperationService  = "service"
	errorSubjectBalance    = "balance"
	errorSubjectPass       = "tourist_pass"
	errorCodeExhausted     = "exhausted"
	errorCodeInvalidAmount = "invalid_amount"
)
