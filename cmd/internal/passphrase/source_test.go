package passphrase

import (
	"errors"
	"strings"
	"testing"
)

func fakeSource(env map[string]string, terminal bool, answers ...string) *Source {
	s := NewSource("TEST_PASS", "signer")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.readSecret = func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("no input")
		}
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
	return s
}

func TestEnvironmentWins(t *testing.T) {
	s := fakeSource(map[string]string{"TEST_PASS": "hunter2"}, true, "ignored")
	got, err := s.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}

func TestEmptyEnvironmentRejected(t *testing.T) {
	s := fakeSource(map[string]string{"TEST_PASS": "  "}, true)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "TEST_PASS") {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestNoTerminal(t *testing.T) {
	s := fakeSource(nil, false)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "signer passphrase required") {
		t.Fatalf("expected missing terminal error, got %v", err)
	}
}

func TestPromptIsCached(t *testing.T) {
	s := fakeSource(nil, true, "first")
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "first" {
			t.Fatalf("call %d: Get() = %q, %v", i, got, err)
		}
	}
}

func TestConfirmationMismatch(t *testing.T) {
	s := fakeSource(nil, true, "one", "two").WithConfirmation()
	if _, err := s.Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	ok := fakeSource(nil, true, "same", "same").WithConfirmation()
	if got, err := ok.Get(); err != nil || got != "same" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}
