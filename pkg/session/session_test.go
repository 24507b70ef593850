package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1001",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestUsable(t *testing.T) {
	if Usable("") {
		t.Fatal("empty token usable")
	}
	if !Usable("opaque-bearer-credential") {
		t.Fatal("opaque token should be presumed usable")
	}
	if !Usable(signedToken(t, time.Now().Add(time.Hour))) {
		t.Fatal("live JWT rejected")
	}
	if Usable(signedToken(t, time.Now().Add(-time.Hour))) {
		t.Fatal("expired JWT accepted")
	}
}

func TestStaticToken(t *testing.T) {
	if _, err := Static("").Token(); err == nil {
		t.Fatal("empty static source returned a token")
	}
	tok, err := Static("abc").Token()
	if err != nil || tok != "abc" {
		t.Fatalf("static token = %q, %v", tok, err)
	}
}

func TestRefreshableCachesUntilExpire(t *testing.T) {
	calls := 0
	r := NewRefreshable(func() (string, error) {
		calls++
		return "tok", nil
	})
	for i := 0; i < 3; i++ {
		if _, err := r.Token(); err != nil {
			t.Fatalf("token: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("fetch calls = %d, want 1 (cached)", calls)
	}
	r.Expire()
	if _, err := r.Token(); err != nil {
		t.Fatalf("token after expire: %v", err)
	}
	if calls != 2 {
		t.Fatalf("fetch calls = %d after expire, want 2", calls)
	}
}

func TestRefreshablePropagatesFetchError(t *testing.T) {
	wantErr := errors.New("auth service down")
	r := NewRefreshable(func() (string, error) { return "", wantErr })
	if _, err := r.Token(); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
}
