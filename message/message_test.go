package message

import "testing"

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    Status
		isError   bool
		retryable bool
	}{
		{StatusOK, false, false},
		{StatusNotFound, false, false},
		{StatusNotExecuted, false, false},
		{StatusInvalidRequest, true, false},
		{StatusServerError, true, false},
		{StatusUnavailable, true, true},
		{StatusTimeout, true, true},
		{StatusRateLimited, true, false},
	}
	for _, tc := range cases {
		if got := tc.status.IsError(); got != tc.isError {
			t.Errorf("%s.IsError() = %v, want %v", tc.status, got, tc.isError)
		}
		if got := tc.status.Retryable(); got != tc.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", tc.status, got, tc.retryable)
		}
	}
}

func TestKeyedOps(t *testing.T) {
	for _, op := range []Op{OpGet, OpPut, OpPutIfAbsent, OpRemove, OpContainsKey} {
		if !op.Keyed() {
			t.Errorf("%s should be keyed", op)
		}
	}
	for _, op := range []Op{OpPing, OpSize, OpClear} {
		if op.Keyed() {
			t.Errorf("%s should not be keyed", op)
		}
	}
}

func TestErrorf(t *testing.T) {
	req := &CacheMessage{Op: OpGet, Cache: "users", Key: []byte("k1")}
	resp := Errorf(req, StatusServerError, "boom %d", 42)

	if resp.Op != OpGet || resp.Cache != "users" || string(resp.Key) != "k1" {
		t.Fatalf("response does not echo request: %+v", resp)
	}
	if resp.Status != StatusServerError {
		t.Fatalf("expect SERVER_ERROR, got %s", resp.Status)
	}
	if resp.Error != "boom 42" {
		t.Fatalf("expect 'boom 42', got '%s'", resp.Error)
	}
}

func TestSizeValue(t *testing.T) {
	n, err := ParseSize(SizeValue(1234))
	if err != nil || n != 1234 {
		t.Fatalf("expect 1234, got %d (%v)", n, err)
	}
	if _, err := ParseSize([]byte{1, 2}); err == nil {
		t.Fatal("expect error for short size value")
	}
}
