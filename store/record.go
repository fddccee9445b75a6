package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const bodyEncodingBase64 = "base64"

// record is the persisted shape of a Response.
type record struct {
	Status       int    `json:"status"`
	Headers      Header `json:"headers"`
	Body         string `json:"body"`
	BodyEncoding string `json:"bodyEncoding,omitempty"`
}

// EncodeResponse serializes resp into its persisted JSON form. UTF-8 bodies are
// stored verbatim; anything else is stored base64 so bytes survive the trip.
func EncodeResponse(resp *Response) ([]byte, error) {
	rec := record{
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}
	if rec.Headers == nil {
		rec.Headers = Header{}
	}
	if utf8.Valid(resp.Body) {
		rec.Body = string(resp.Body)
	} else {
		rec.Body = base64.StdEncoding.EncodeToString(resp.Body)
		rec.BodyEncoding = bodyEncodingBase64
	}
	return json.Marshal(rec)
}

// DecodeResponse parses a record produced by EncodeResponse. Malformed input
// yields an error wrapping ErrCorrupt.
func DecodeResponse(data []byte) (*Response, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Status == 0 {
		return nil, fmt.Errorf("%w: missing status", ErrCorrupt)
	}
	resp := &Response{
		StatusCode: rec.Status,
		Header:     rec.Headers,
	}
	if resp.Header == nil {
		resp.Header = Header{}
	}
	switch rec.BodyEncoding {
	case "":
		resp.Body = []byte(rec.Body)
	case bodyEncodingBase64:
		body, err := base64.StdEncoding.DecodeString(rec.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		resp.Body = body
	default:
		return nil, fmt.Errorf("%w: unknown body encoding %q", ErrCorrupt, rec.BodyEncoding)
	}
	return resp, nil
}
