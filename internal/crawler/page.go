package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// PageKind tags the variant held by a Page.
type PageKind int

// Page variants.
const (
	// PageMessages carries a (possibly empty) list of messages.
	PageMessages PageKind = iota
	// PageAPIError carries an error document returned by the API.
	PageAPIError
)

// APIError is an error-shaped response: access revoked, unknown channel,
// missing permissions and the like.
type APIError struct {
	Status  int             `json:"-"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"-"`
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, string(e.Body))
}

// Page is the result of fetching one page of channel history.
type Page struct {
	Kind     PageKind
	Messages []Message
	Err      *APIError
}

// MessagesPage builds a PageMessages variant.
func MessagesPage(messages []Message) Page {
	return Page{Kind: PageMessages, Messages: messages}
}

// ErrorPage builds a PageAPIError variant, decoding code and message from body
// when it is a JSON object.
func ErrorPage(status int, body []byte) Page {
	apiErr := &APIError{Status: status, Body: append(json.RawMessage(nil), body...)}
	var doc struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		apiErr.Code = doc.Code
		apiErr.Message = doc.Message
	}
	return Page{Kind: PageAPIError, Err: apiErr}
}

// Exhausted reports whether the page signals the end of history.
func (p Page) Exhausted() bool {
	return p.Kind == PageMessages && len(p.Messages) == 0
}

// RateLimitError is returned by a fetcher when the API answers 429. It is a
// quota condition, never a reason to disable a channel.
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
	Body       json.RawMessage
}

// Error implements error.
func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited (%s), retry after %s", scope, e.RetryAfter)
}
