package fulfillment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPayload is wrapped by every parse failure.
	ErrMalformedPayload = errors.New("malformed fulfillment payload")

	ErrMissingQueryResult = fmt.Errorf("%w: missing queryResult", ErrMalformedPayload)
	ErrMissingSession     = fmt.Errorf("%w: missing session", ErrMalformedPayload)
)

// ParseQuery extracts a Query from a raw webhook body.
//
// The body must be a JSON object with a queryResult object and a session
// string. Fields inside queryResult are lenient: a missing or non-string
// queryText yields an empty utterance instead of an error.
func ParseQuery(body []byte) (Query, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if root == nil {
		return Query{}, fmt.Errorf("%w: body is not an object", ErrMalformedPayload)
	}

	var result map[string]json.RawMessage
	raw, ok := root["queryResult"]
	if !ok || json.Unmarshal(raw, &result) != nil || result == nil {
		return Query{}, ErrMissingQueryResult
	}

	var session string
	raw, ok = root["session"]
	if !ok || string(raw) == "null" || json.Unmarshal(raw, &session) != nil {
		return Query{}, ErrMissingSession
	}

	q := Query{
		Utterance:    stringField(result, "queryText"),
		SessionID:    SessionID(session),
		LanguageCode: stringField(result, "languageCode"),
	}

	var params map[string]json.RawMessage
	if raw, ok := result["parameters"]; ok && json.Unmarshal(raw, &params) == nil {
		q.ImageURL = strings.TrimSpace(stringField(params, "imageUrl"))
	}

	var intent map[string]json.RawMessage
	if raw, ok := result["intent"]; ok && json.Unmarshal(raw, &intent) == nil {
		q.Intent = stringField(intent, "displayName")
	}

	return q, nil
}

// SessionID returns the final slash-delimited segment of a session path such
// as "projects/p/agent/sessions/abc", or UnknownSession when it is empty.
func SessionID(session string) string {
	id := session[strings.LastIndex(session, "/")+1:]
	if id == "" {
		return UnknownSession
	}
	return id
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
