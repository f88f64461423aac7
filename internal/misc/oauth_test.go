package misc

import "testing"

func TestParseOAuthCallback(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
		wantErr   string
		wantNil   bool
		wantFail  bool
	}{
		{name: "empty", input: "  ", wantNil: true},
		{name: "full url", input: "http://127.0.0.1:53121/?state=abc&code=4/xyz", wantCode: "4/xyz", wantState: "abc"},
		{name: "host without scheme", input: "localhost:53121/?code=c1&state=s1", wantCode: "c1", wantState: "s1"},
		{name: "bare query", input: "?code=c2&state=s2", wantCode: "c2", wantState: "s2"},
		{name: "pairs only", input: "code=c3&state=s3", wantCode: "c3", wantState: "s3"},
		{name: "fragment", input: "http://127.0.0.1/#code=c4&state=s4", wantCode: "c4", wantState: "s4"},
		{name: "provider error", input: "http://127.0.0.1/?error=access_denied&state=s5", wantErr: "access_denied", wantState: "s5"},
		{name: "description only", input: "http://127.0.0.1/?error_description=denied", wantErr: "denied"},
		{name: "missing code", input: "http://127.0.0.1/?state=s6", wantFail: true},
		{name: "garbage", input: "not-a-url", wantFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := ParseOAuthCallback(tt.input)
			if tt.wantFail {
				if err == nil {
					t.Fatalf("expected error, got %+v", cb)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if cb != nil {
					t.Fatalf("expected nil callback, got %+v", cb)
				}
				return
			}
			if cb.Code != tt.wantCode || cb.State != tt.wantState || cb.Error != tt.wantErr {
				t.Fatalf("callback = %+v", cb)
			}
		})
	}
}

func TestGenerateRandomState(t *testing.T) {
	a, err := GenerateRandomState()
	if err != nil {
		t.Fatalf("GenerateRandomState: %v", err)
	}
	b, _ := GenerateRandomState()
	if len(a) != 32 || a == b {
		t.Fatalf("states %q and %q", a, b)
	}
}
