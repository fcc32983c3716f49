package errors

import "testing"

func TestStatusCodeMappings(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CSValidationFailed, 400},
		{CSValidationManifest, 400},
		{CSValidationBundle, 400},
		{CSValidationName, 400},
		{CSValidationEvent, 400},
		{CSConfigInvalid, 400},
		{CSReportNotFound, 404},
		{CSExpectationMismatch, 422},
		{CSResourceLeak, 422},
		{CSVerifierFailed, 422},
		{CSHandlerTimeout, 504},
		{CSKVUnavailable, 503},
		{CSHandlerException, 500},
		{CSBadgerWriteFailed, 500},
	}
	for _, tc := range tests {
		if got := StatusCode(tc.code); got != tc.want {
			t.Fatalf("code %s got %d want %d", tc.code, got, tc.want)
		}
	}
}
