package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

func TestManifestParseValidate(t *testing.T) {
	okManifest := []byte(`{
		"schema":"cs.tester.handler.v1",
		"entry":"src/index.js",
		"handler":"main",
		"timeoutSeconds":1.5,
		"env":{"STAGE":"test"},
		"context":{"functionName":"orders"},
		"eventSchema":"event.schema.json"
	}`)
	m, err := ParseManifest(okManifest)
	if err != nil {
		t.Fatalf("expected valid manifest: %v", err)
	}
	if m.Entry != "src/index.js" || m.Handler != "main" || m.Env["STAGE"] != "test" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.Timeout() != 1500*time.Millisecond {
		t.Fatalf("unexpected timeout: %s", m.Timeout())
	}

	defaults, err := ParseManifest([]byte(`{"schema":"cs.tester.handler.v1"}`))
	if err != nil {
		t.Fatalf("expected minimal manifest to parse: %v", err)
	}
	if defaults.Entry != DefaultEntry || defaults.Handler != DefaultHandler || defaults.Timeout() != 0 {
		t.Fatalf("defaults not applied: %+v", defaults)
	}

	cases := map[string][]byte{
		"schema":          bytes.ReplaceAll(okManifest, []byte("cs.tester.handler.v1"), []byte("x")),
		"handler":         bytes.ReplaceAll(okManifest, []byte(`"main"`), []byte(`"not valid"`)),
		"entry":           bytes.ReplaceAll(okManifest, []byte("src/index.js"), []byte("src/index bad.js")),
		"entry traversal": bytes.ReplaceAll(okManifest, []byte("src/index.js"), []byte("../index.js")),
		"timeout":         bytes.ReplaceAll(okManifest, []byte("1.5"), []byte("0")),
		"unknown field":   []byte(`{"schema":"cs.tester.handler.v1","runtime":"node"}`),
		"env type":        []byte(`{"schema":"cs.tester.handler.v1","env":{"A":1}}`),
		"not json":        []byte(`{`),
	}
	for name, raw := range cases {
		if _, err := ParseManifest(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestExpectationRequestValidate(t *testing.T) {
	req := ExpectationRequest{
		Suite:     "orders",
		Files:     map[string]string{"function.js": "x"},
		Expect:    "result",
		TimeoutMS: ldvalue.NewOptionalInt(250),
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request: %v", err)
	}
	if req.Timeout() != 250*time.Millisecond {
		t.Fatalf("unexpected timeout: %s", req.Timeout())
	}

	noTimeout := req
	noTimeout.TimeoutMS = ldvalue.OptionalInt{}
	if noTimeout.Timeout() != 0 {
		t.Fatal("expected zero timeout when unset")
	}

	bad := []ExpectationRequest{
		{Expect: "result"},
		{Files: req.Files},
		{Files: req.Files, Expect: "result", Suite: "Bad Suite"},
		{Files: req.Files, Expect: "result", TimeoutMS: ldvalue.NewOptionalInt(0)},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestExpectationRequestDecodesOptionalTimeout(t *testing.T) {
	var req ExpectationRequest
	if err := json.Unmarshal([]byte(`{"files":{"function.js":"x"},"expect":"succeed","timeout_ms":null}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.TimeoutMS.IsDefined() {
		t.Fatal("null timeout should be undefined")
	}
	if err := json.Unmarshal([]byte(`{"files":{"function.js":"x"},"expect":"succeed","timeout_ms":75}`), &req); err != nil {
		t.Fatal(err)
	}
	if v, ok := req.TimeoutMS.Get(); !ok || v != 75 {
		t.Fatalf("unexpected timeout: %v %v", v, ok)
	}
}

func TestReadWriteJSON(t *testing.T) {
	body := bytes.NewBufferString(`{"suite":"orders","files":{"function.js":"x"},"expect":"fail"}`)
	r := httptest.NewRequest(http.MethodPost, "/", body)
	var req ExpectationRequest
	if err := ReadJSON(r, &req); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if req.Suite != "orders" || req.Expect != "fail" {
		t.Fatalf("unexpected request: %+v", req)
	}

	unknown := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"nope":1}`))
	if err := ReadJSON(unknown, &req); err == nil {
		t.Fatal("expected unknown field error")
	}

	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, HealthResponse{Status: "ok"})
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	var out HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || out.Status != "ok" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}
