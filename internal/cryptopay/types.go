package cryptopay

// Статусы счёта у провайдера.
const (
	InvoiceStatusActive  = "active"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusExpired = "expired"
)

// Invoice счёт, выставленный через Crypto Pay.
type Invoice struct {
	InvoiceID   int64  `json:"invoice_id"`
	Status      string `json:"status"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	PayURL      string `json:"pay_url"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
	PaidAt      string `json:"paid_at"`
}

// createInvoiceRequest тело запроса createInvoice.
type createInvoiceRequest struct {
	Asset          string  `json:"asset"`
	Amount         float64 `json:"amount"`
	Payload        string  `json:"payload"`
	Description    string  `json:"description"`
	AllowComments  bool    `json:"allow_comments"`
	AllowAnonymous bool    `json:"allow_anonymous"`
}
