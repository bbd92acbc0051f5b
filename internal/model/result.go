package model

// ItemError reports why one item of a batch was not accepted. The shape follows
// the track API response so SDKs can decide what to retry.
type ItemError struct {
	Index      int    `json:"index"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// IngestionResult summarises one ingestion request.
type IngestionResult struct {
	ItemsReceived int         `json:"itemsReceived"`
	ItemsAccepted int         `json:"itemsAccepted"`
	Errors        []ItemError `json:"errors"`
}

// NewIngestionResult returns an empty result whose Errors encodes as [].
func NewIngestionResult() IngestionResult {
	return IngestionResult{Errors: []ItemError{}}
}

// RejectAll builds the result for a request that failed before any item could
// be attempted.
func RejectAll(statusCode int, message string) IngestionResult {
	return IngestionResult{
		Errors: []ItemError{{StatusCode: statusCode, Message: message}},
	}
}
