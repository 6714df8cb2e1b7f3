package customer

// ItemError names why one id of a batch failed.
type ItemError struct {
	CustomerID string `json:"customerId"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

// BatchResult is the partial-failure outcome of a batch operation. Each id
// commits or fails on its own; Success+Failed equals the number of distinct ids.
type BatchResult struct {
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors"`
}
