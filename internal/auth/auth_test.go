package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		password string
		want     string
	}{
		// Known SHA-224 vectors.
		{"", "d14a028c2a3a2bc9476102bb288234c415a2b01f828ea62ac5b3e42f"},
		{"abc", "23097d223405d8228642a477bda255b32aadbce4bda0b3f7e36c9da7"},
	}

	for _, tt := range tests {
		got := Digest(tt.password)
		if got != tt.want {
			t.Errorf("Digest(%q) = %s, want %s", tt.password, got, tt.want)
		}
		if len(got) != 56 {
			t.Errorf("len(Digest(%q)) = %d, want 56", tt.password, len(got))
		}
	}
}

func TestMemory_Authenticate(t *testing.T) {
	passwords := []string{"password1", "p@ss w0rd", "密码"}
	m := NewMemory(passwords, nil)
	ctx := context.Background()

	for _, p := range passwords {
		ok, err := m.Authenticate(ctx, Digest(p))
		if err != nil || !ok {
			t.Errorf("Authenticate(Digest(%q)) = %v, %v; want true", p, ok, err)
		}
	}

	rejected := []string{
		"",
		"password1",
		Digest("password2"),
		strings.ToUpper(Digest("password1")),
		Digest("password1")[:55],
	}
	for _, d := range rejected {
		ok, err := m.Authenticate(ctx, d)
		if err != nil || ok {
			t.Errorf("Authenticate(%q) = %v, %v; want false", d, ok, err)
		}
	}

	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
}

func TestMemory_KeysAreDigests(t *testing.T) {
	m := NewMemory([]string{"secret"}, nil)

	for digest, label := range m.digests {
		if digest == "secret" || strings.Contains(label, "secret") {
			t.Errorf("plaintext password stored: %q -> %q", digest, label)
		}
	}

	label, ok := m.Label(Digest("secret"))
	if !ok || label != "password[0]" {
		t.Errorf("Label() = %q, %v; want password[0]", label, ok)
	}
}

func TestMemory_RecordUsage(t *testing.T) {
	m := NewMemory([]string{"user"}, nil)
	ctx := context.Background()
	digest := Digest("user")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.RecordUsage(ctx, digest, 10, 100); err != nil {
				t.Errorf("RecordUsage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	u := m.Usage(digest)
	if u.Upload != 500 || u.Download != 5000 {
		t.Errorf("Usage() = %+v, want {500 5000}", u)
	}
}

func TestMemory_Reload(t *testing.T) {
	current := []string{"old"}
	m := NewMemory(current, func(context.Context) ([]string, error) {
		return current, nil
	})
	ctx := context.Background()

	if err := m.RecordUsage(ctx, Digest("old"), 1, 2); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	current = []string{"new"}
	if err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if ok, _ := m.Authenticate(ctx, Digest("old")); ok {
		t.Error("old password still accepted after reload")
	}
	if ok, _ := m.Authenticate(ctx, Digest("new")); !ok {
		t.Error("new password rejected after reload")
	}
	if u := m.Usage(Digest("old")); u.Upload != 1 {
		t.Errorf("usage lost on reload: %+v", u)
	}
}

func TestMemory_ReloadErrors(t *testing.T) {
	ctx := context.Background()

	failing := NewMemory([]string{"keep"}, func(context.Context) ([]string, error) {
		return nil, errors.New("config unreadable")
	})
	if err := failing.Reload(ctx); err == nil {
		t.Error("Reload() should fail when the source fails")
	}
	if ok, _ := failing.Authenticate(ctx, Digest("keep")); !ok {
		t.Error("failed reload should keep the previous credentials")
	}

	empty := NewMemory([]string{"keep"}, func(context.Context) ([]string, error) {
		return nil, nil
	})
	if err := empty.Reload(ctx); err == nil {
		t.Error("Reload() should refuse an empty credential set")
	}

	static := NewMemory([]string{"keep"}, nil)
	if err := static.Reload(ctx); err != nil {
		t.Errorf("Reload() without source error = %v", err)
	}
}

func TestCheck(t *testing.T) {
	m := NewMemory([]string{"ok"}, nil)
	ctx := context.Background()

	if err := Check(ctx, m, Digest("ok")); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	if err := Check(ctx, m, Digest("nope")); !errors.Is(err, ErrRejected) {
		t.Errorf("Check() error = %v, want ErrRejected", err)
	}
}
