package signature_test

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/MrWong99/voxtalk/pkg/signature"
)

func TestPercentEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"-_.~", "-_.~"},
		{"/", "%2F"},
		{"a b", "a%20b"},
		{"*", "%2A"},
		{"+", "%2B"},
		{"=&", "%3D%26"},
		{"2024-01-02T03:04:05Z", "2024-01-02T03%3A04%3A05Z"},
		{"é", "%C3%A9"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := signature.PercentEncode(tt.in); got != tt.want {
			t.Errorf("PercentEncode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalQuery_SortsAndSkipsSignature(t *testing.T) {
	t.Parallel()

	got, err := signature.CanonicalQuery(map[string]string{
		"b":         "2",
		"a":         "1 1",
		"Signature": "ignored",
		"C":         "x/y",
	})
	if err != nil {
		t.Fatalf("CanonicalQuery: %v", err)
	}
	want := "C=x%2Fy&a=1%201&b=2"
	if got != want {
		t.Errorf("CanonicalQuery = %q, want %q", got, want)
	}
}

func TestStringToSign(t *testing.T) {
	t.Parallel()

	got, err := signature.StringToSign("get", map[string]string{"Action": "GetTaskResult", "TaskId": "T1"})
	if err != nil {
		t.Fatalf("StringToSign: %v", err)
	}
	want := "GET&%2F&Action%3DGetTaskResult%26TaskId%3DT1"
	if got != want {
		t.Errorf("StringToSign = %q, want %q", got, want)
	}
}

func TestSign_MatchesManualHMAC(t *testing.T) {
	t.Parallel()

	params := map[string]string{"Action": "SubmitTask", "Version": "2018-08-17"}
	got, err := signature.Sign("POST", params, "secret")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sts := "POST&%2F&Action%3DSubmitTask%26Version%3D2018-08-17"
	mac := hmac.New(sha1.New, []byte("secret&"))
	mac.Write([]byte(sts))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}

func TestSign_DeterministicAcrossInsertionOrder(t *testing.T) {
	t.Parallel()

	keys := []string{"Timestamp", "AccessKeyId", "SignatureNonce", "Format", "Task", "Action"}
	values := map[string]string{
		"Timestamp":      "2024-01-02T03:04:05Z",
		"AccessKeyId":    "id",
		"SignatureNonce": "nonce-1",
		"Format":         "JSON",
		"Task":           `{"appkey":"k","file_link":"https://x/a.wav"}`,
		"Action":         "SubmitTask",
	}

	var first string
	for rot := range keys {
		p := make(map[string]string, len(keys))
		for i := range keys {
			k := keys[(i+rot)%len(keys)]
			p[k] = values[k]
		}
		sig, err := signature.Sign("POST", p, "s3cr3t")
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if rot == 0 {
			first = sig
			continue
		}
		if sig != first {
			t.Fatalf("rotation %d produced %q, want %q", rot, sig, first)
		}
	}
}

func TestSign_NonceChangesSignature(t *testing.T) {
	t.Parallel()

	a, _ := signature.Sign("GET", map[string]string{"SignatureNonce": "1"}, "k")
	b, _ := signature.Sign("GET", map[string]string{"SignatureNonce": "2"}, "k")
	if a == b {
		t.Fatal("different nonces produced the same signature")
	}
}

func TestSign_InvalidInput(t *testing.T) {
	t.Parallel()

	if _, err := signature.Sign("", map[string]string{"a": "b"}, "k"); !errors.Is(err, signature.ErrSigning) {
		t.Errorf("empty method: err = %v, want ErrSigning", err)
	}
	if _, err := signature.Sign("GET", map[string]string{"a": "\xff"}, "k"); !errors.Is(err, signature.ErrSigning) {
		t.Errorf("invalid utf-8: err = %v, want ErrSigning", err)
	}
}
