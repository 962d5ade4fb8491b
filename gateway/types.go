package gateway

// Typed results for every provider interaction. Raw provider JSON never
// crosses this package's boundary.

// Outcome is the provider's verdict on a payment, as seen by a status query.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	// OutcomePending covers still-processing, request timeout and
	// user-cancelled prompts: the caller retries the query later.
	OutcomePending Outcome = "pending"
)

// StkPushResult is the synchronous answer to a payment push.
type StkPushResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResponseCode      string
	CustomerMessage   string
	Raw               string
}

// StatusResult is the answer to a transaction status query. Found is false
// when the provider has no record of the transaction at all; Amount is nil
// whenever the provider reports no captured amount, which also covers found
// records in a failed or pending state.
type StatusResult struct {
	Outcome       Outcome
	Found         bool
	ResultCode    string
	ResultDesc    string
	ReceiptNumber string
	Amount        *float64
	Raw           string
}

// RefundResult is the synchronous answer to a reversal request. The final
// verdict arrives on the refund callback, keyed by ConversationID.
type RefundResult struct {
	ConversationID string
	ResponseCode   string
	ResponseDesc   string
	Raw            string
}

// Callback is a parsed payment callback.
type Callback struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            float64
	Raw               string
}

func (c Callback) Success() bool {
	return c.ResultCode == 0
}

// RefundCallback is a parsed reversal result callback.
type RefundCallback struct {
	ConversationID string
	ResultCode     int
	ResultDesc     string
	TransactionID  string
	Raw            string
}

func (c RefundCallback) Success() bool {
	return c.ResultCode == 0
}

// Provider result codes for the STK query path. Zero is success; these three
// mean the prompt is still unresolved on the handset side.
const (
	codeProcessing    = "500.001.1001"
	codeUserCancelled = "1032"
	codeTimeout       = "1037"
)

func outcomeForResultCode(code string) Outcome {
	switch code {
	case "0":
		return OutcomeSuccess
	case codeProcessing, codeUserCancelled, codeTimeout:
		return OutcomePending
	default:
		return OutcomeFailed
	}
}
