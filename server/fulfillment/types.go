// Package fulfillment defines the wire format exchanged with the
// conversational-agent platform: the inbound webhook request, the query
// extracted from it and the fulfillment response sent back.
package fulfillment

// UnknownSession is used when the session path has no usable final segment.
const UnknownSession = "unknown"

// Query is the part of an inbound webhook request the service acts on.
type Query struct {
	// Utterance is queryResult.queryText; empty when absent or not a string.
	Utterance string

	// SessionID is the final segment of the session path.
	SessionID string

	// ImageURL is queryResult.parameters.imageUrl when it is a non-empty string.
	ImageURL string

	// Intent is the matched intent display name, used for logging only.
	Intent string

	LanguageCode string
}

// Text holds the lines of a text message.
type Text struct {
	Text []string `json:"text"`
}

// Message is a single rich message of a fulfillment response.
type Message struct {
	Text *Text `json:"text,omitempty"`
}

// Response is the body returned to the platform.
type Response struct {
	FulfillmentText     string    `json:"fulfillmentText"`
	FulfillmentMessages []Message `json:"fulfillmentMessages,omitempty"`
}

// NewTextResponse builds a response carrying text both as fulfillmentText
// and as a single text message.
func NewTextResponse(text string) Response {
	return Response{
		FulfillmentText: text,
		FulfillmentMessages: []Message{
			{Text: &Text{Text: []string{text}}},
		},
	}
}
