package vpntest

import "testing"

// AssertPanic fails the test unless f panics, and returns what f passed
// to panic.
func AssertPanic(t *testing.T, f func()) (recovered any) {
	t.Helper()
	defer func() {
		recovered = recover()
		if recovered == nil {
			t.Errorf("expected code to panic")
		}
	}()
	f()
	return nil
}
