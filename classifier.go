package kurir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// TransportError is produced by the transport stage. Response is nil when no
// response was received (connection refused, DNS failure, timeout, ...).
type TransportError struct {
	Method   string
	URL      string
	Response *Response
	// Business is set when a 2xx response carried an application-level error.
	Business bool
	Code     string
	Message  string
	Err      error
}

func (e *TransportError) Error() string {
	switch {
	case e.Response == nil && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	case e.Business:
		return fmt.Sprintf("%s %s: business error %s: %s", e.Method, e.URL, e.Code, e.Message)
	case e.Response != nil:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Response.StatusCode)
	default:
		return fmt.Sprintf("%s %s: transport failure", e.Method, e.URL)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BusinessDecoder inspects a successful response and reports an application
// level failure carried in its body.
type BusinessDecoder func(resp *Response) (code, message string, failed bool)

// JSONCodeBusinessDecoder treats a JSON body whose `code` field is present and
// not one of okCodes as a business failure.
func JSONCodeBusinessDecoder(okCodes ...string) BusinessDecoder {
	if len(okCodes) == 0 {
		okCodes = []string{"0", "200"}
	}
	return func(resp *Response) (string, string, bool) {
		body := decodeErrorBody(resp)
		if body.code == "" {
			return "", "", false
		}
		for _, ok := range okCodes {
			if body.code == ok {
				return "", "", false
			}
		}
		return body.code, body.message, true
	}
}

// Classify normalizes any error into exactly one ClassifiedError. An error
// that is already classified is returned unchanged.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) && ce != nil {
		return ce
	}

	var te *TransportError
	if errors.As(err, &te) {
		return classifyTransport(te)
	}

	kind := classifyCause(err, KindUnknown)
	e := NewError(kind, err.Error())
	e.Cause = err
	return e
}

// ClassifyValue classifies an arbitrary value, typically one recovered from a
// panic. Non-error values become UNKNOWN errors carrying their string form.
func ClassifyValue(v any) *ClassifiedError {
	switch val := v.(type) {
	case nil:
		return nil
	case error:
		return Classify(val)
	case string:
		return NewError(KindUnknown, val)
	default:
		return NewError(KindUnknown, fmt.Sprint(val))
	}
}

func classifyTransport(te *TransportError) *ClassifiedError {
	if te.Response == nil {
		kind := classifyCause(te.Err, KindNetwork)
		msg := "network request failed"
		if te.Err != nil {
			msg = te.Err.Error()
		}
		e := NewError(kind, msg)
		e.Cause = te
		e.Method, e.URL = te.Method, te.URL
		return e
	}

	status := te.Response.StatusCode
	body := decodeErrorBody(te.Response)

	var e *ClassifiedError
	if te.Business {
		msg := te.Message
		if msg == "" {
			msg = body.message
		}
		if msg == "" {
			msg = kindTable[KindBusiness].title
		}
		e = NewError(KindBusiness, msg)
		e.Code = te.Code
	} else {
		kind := kindForStatus(status)
		msg := body.message
		if msg == "" {
			msg = statusMessage(status)
		}
		e = NewError(kind, msg)
		e.Code = body.code
		switch status {
		case http.StatusTooManyRequests:
			e.Retryable = true
		case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
			e.Retryable = false
		}
	}

	e.Status = status
	e.Cause = te
	e.Method, e.URL = te.Method, te.URL
	if id := requestIDFromHeader(te.Response.Header); id != "" {
		e.WithMetadata(MetaRequestID, id)
	}
	return e
}

// kindForStatus maps an HTTP status to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 400 && status < 500:
		return KindClient
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// classifyCause inspects a non-HTTP error chain. fallback is returned when
// nothing more specific matches.
func classifyCause(err error, fallback Kind) Kind {
	if err == nil {
		return fallback
	}
	if errors.Is(err, context.Canceled) {
		return KindCancel
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindNetwork
	}

	return fallback
}

func statusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "HTTP " + strconv.Itoa(status)
}

func requestIDFromHeader(h http.Header) string {
	for _, name := range []string{"X-Request-Id", "X-Request-ID", "X-Correlation-Id"} {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

type errorBody struct {
	code    string
	message string
}

// decodeErrorBody pulls `code` and `message` (or `error`) out of a JSON body.
func decodeErrorBody(resp *Response) errorBody {
	if resp == nil || len(resp.Body) == 0 {
		return errorBody{}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return errorBody{}
	}

	var out errorBody
	if v, ok := raw["code"]; ok {
		out.code = rawScalar(v)
	}
	for _, field := range []string{"message", "msg", "error_description"} {
		if v, ok := raw[field]; ok {
			if s := rawScalar(v); s != "" {
				out.message = s
				break
			}
		}
	}
	if out.message == "" {
		if v, ok := raw["error"]; ok {
			var nested struct {
				Message string `json:"message"`
				Code    any    `json:"code"`
			}
			if json.Unmarshal(v, &nested) == nil && nested.Message != "" {
				out.message = nested.Message
				if out.code == "" && nested.Code != nil {
					out.code = fmt.Sprint(nested.Code)
				}
			} else {
				out.message = rawScalar(v)
			}
		}
	}
	return out
}

func rawScalar(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(v, &n) == nil {
		return n.String()
	}
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return strconv.FormatBool(b)
	}
	return strings.TrimSpace(string(v))
}

// stampTimestamp records when the failure was observed if not already set.
func stampTimestamp(e *ClassifiedError, now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if _, ok := e.Metadata[MetaTimestamp]; !ok {
		e.WithMetadata(MetaTimestamp, e.Timestamp.UTC().Format(time.RFC3339))
	}
}
