package kurir

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusRequestTimeout, KindTimeout, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusUnprocessableEntity, KindValidation, false},
		{http.StatusNotFound, KindClient, false},
		{http.StatusTooManyRequests, KindClient, true},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusServiceUnavailable, KindServer, true},
		{http.StatusNotImplemented, KindServer, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			te := &TransportError{
				Method:   "GET",
				URL:      "https://api.example.com/x",
				Response: &Response{StatusCode: tt.status, Header: http.Header{}},
			}
			ce := Classify(te)
			if ce.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", ce.Kind, tt.kind)
			}
			if ce.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", ce.Retryable, tt.retryable)
			}
			if ce.Status != tt.status {
				t.Errorf("Status = %d, want %d", ce.Status, tt.status)
			}
			if ce.Message != http.StatusText(tt.status) {
				t.Errorf("Message = %q, want status text", ce.Message)
			}
		})
	}
}

func TestClassifyUsesBodyMessageAndRequestID(t *testing.T) {
	te := &TransportError{
		Method: "POST",
		URL:    "https://api.example.com/orders",
		Response: &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Header:     http.Header{"X-Request-Id": []string{"abc-123"}},
			Body:       []byte(`{"code":"E_QTY","message":"quantity must be positive"}`),
		},
	}

	ce := Classify(te)
	if ce.Kind != KindValidation {
		t.Errorf("Kind = %s, want VALIDATION", ce.Kind)
	}
	if ce.Message != "quantity must be positive" || ce.Code != "E_QTY" {
		t.Errorf("Message/Code = %q/%q", ce.Message, ce.Code)
	}
	if ce.MetadataString(MetaRequestID) != "abc-123" {
		t.Errorf("request id = %q", ce.MetadataString(MetaRequestID))
	}
	if ce.Method != "POST" || ce.URL != "https://api.example.com/orders" {
		t.Errorf("Method/URL = %s %s", ce.Method, ce.URL)
	}
}

func TestClassifyNestedErrorBody(t *testing.T) {
	te := &TransportError{
		Response: &Response{
			StatusCode: http.StatusInternalServerError,
			Body:       []byte(`{"error":{"message":"db unavailable","code":5001}}`),
		},
	}

	ce := Classify(te)
	if ce.Message != "db unavailable" || ce.Code != "5001" {
		t.Errorf("Message/Code = %q/%q", ce.Message, ce.Code)
	}
}

func TestClassifyBusiness(t *testing.T) {
	te := &TransportError{
		Response: &Response{StatusCode: http.StatusOK, Body: []byte(`{"code":"1001","message":"insufficient balance"}`)},
		Business: true,
		Code:     "1001",
		Message:  "insufficient balance",
	}

	ce := Classify(te)
	if ce.Kind != KindBusiness || ce.Code != "1001" || ce.Message != "insufficient balance" {
		t.Errorf("unexpected business classification: %+v", ce)
	}
	if ce.Retryable {
		t.Error("business errors are not retryable")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyWithoutResponse(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"os deadline", os.ErrDeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"cancelled", context.Canceled, KindCancel},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, KindNetwork},
		{"opaque", errors.New("something odd"), KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(&TransportError{Method: "GET", URL: "http://x", Err: tt.err})
			if ce.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", ce.Kind, tt.kind)
			}
			if !errors.Is(ce, tt.err) {
				t.Error("classified error should wrap the transport cause")
			}
		})
	}
}

func TestClassifyPlainErrors(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}

	ce := Classify(errors.New("weird"))
	if ce.Kind != KindUnknown || ce.Message != "weird" {
		t.Errorf("plain error = %+v", ce)
	}

	already := NewError(KindAuth, "expired")
	if Classify(fmt.Errorf("wrapped: %w", already)) != already {
		t.Error("an already classified error must be returned unchanged")
	}

	if ClassifyValue(nil) != nil {
		t.Error("ClassifyValue(nil) should be nil")
	}
	if ce := ClassifyValue(42); ce.Kind != KindUnknown || ce.Message != "42" {
		t.Errorf("ClassifyValue(42) = %+v", ce)
	}
	if ce := ClassifyValue(context.Canceled); ce.Kind != KindCancel {
		t.Errorf("ClassifyValue(context.Canceled) = %s", ce.Kind)
	}
}

func TestJSONCodeBusinessDecoder(t *testing.T) {
	decode := JSONCodeBusinessDecoder()

	tests := []struct {
		body   string
		failed bool
		code   string
	}{
		{`{"code":0,"data":{}}`, false, ""},
		{`{"code":"200"}`, false, ""},
		{`{"data":[]}`, false, ""},
		{`not json`, false, ""},
		{`{"code":4001,"msg":"quota exceeded"}`, true, "4001"},
	}

	for _, tt := range tests {
		code, _, failed := decode(&Response{StatusCode: 200, Body: []byte(tt.body)})
		if failed != tt.failed || code != tt.code {
			t.Errorf("decode(%s) = %q, %v; want %q, %v", tt.body, code, failed, tt.code, tt.failed)
		}
	}
}
