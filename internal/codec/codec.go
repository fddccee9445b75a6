// Package codec decodes response bodies and encodes request bodies.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

const (
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeForm = "application/x-www-form-urlencoded"
)

// Inflate undoes a gzip Content-Encoding. Other encodings are returned as is.
func Inflate(contentEncoding string, raw []byte) ([]byte, error) {
	if !strings.Contains(strings.ToLower(contentEncoding), "gzip") || len(raw) == 0 {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip header: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("codec: inflating body: %w", err)
	}
	return body, nil
}

// Deflate compresses b for a Content-Encoding: deflate request body.
func Deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsJSON reports whether contentType declares a JSON body.
func IsJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

// Parse returns a JSON value for JSON content and the body as a string
// otherwise. An empty JSON body parses to nil.
func Parse(contentType string, body []byte) (any, error) {
	if !IsJSON(contentType) {
		return string(body), nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("codec: parsing JSON body: %w", err)
	}
	return v, nil
}

// EncodeBody serializes a request body and returns it with its content type.
// Raw bytes, strings and readers pass through untouched with an empty content
// type. Otherwise the body is JSON encoded, or form encoded when form is set.
func EncodeBody(body any, form bool) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		return data, "", err
	}

	if form {
		values, err := formValues(body)
		if err != nil {
			return nil, "", err
		}
		return []byte(values.Encode()), ContentTypeForm, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("codec: encoding JSON body: %w", err)
	}
	return data, ContentTypeJSON, nil
}

func formValues(body any) (url.Values, error) {
	switch b := body.(type) {
	case url.Values:
		return b, nil
	case map[string]string:
		values := url.Values{}
		for k, v := range b {
			values.Set(k, v)
		}
		return values, nil
	case map[string][]string:
		return url.Values(b), nil
	case map[string]any:
		values := url.Values{}
		for k, v := range b {
			values.Set(k, fmt.Sprint(v))
		}
		return values, nil
	default:
		return nil, fmt.Errorf("codec: cannot form-encode %T", body)
	}
}
