package checkout

type Status string

const (
	StatusDraft             Status = "draft"
	StatusQuoteReady        Status = "quote_ready"
	StatusPaymentInProgress Status = "payment_in_progress"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
)

var validNext = map[Status]map[Status]bool{
	StatusDraft:             {StatusQuoteReady: true, StatusFailed: true},
	StatusQuoteReady:        {StatusQuoteReady: true, StatusPaymentInProgress: true, StatusFailed: true},
	StatusPaymentInProgress: {StatusPaid: true, StatusFailed: true},
	StatusPaid:              {},
	StatusFailed:            {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal drafts are never mutated again.
func (s Status) Terminal() bool { return s == StatusPaid || s == StatusFailed }

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)
