package guard

import (
	"errors"
	"net/http"
	"sync"
	"testing"

	"cors-relay-go/internal/model"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		rules   Rules
		origin  string
		header  http.Header
		wantErr any
	}{
		{
			name:   "no rules allows all",
			rules:  Rules{},
			origin: "https://anything.test",
		},
		{
			name:   "no rules allows missing origin",
			rules:  Rules{},
			origin: "",
		},
		{
			name:    "denied exact",
			rules:   Rules{Deny: []string{"http://evil.test"}},
			origin:  "http://evil.test",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:    "deny is case insensitive",
			rules:   Rules{Deny: []string{"http://evil.test"}},
			origin:  "HTTP://EVIL.TEST",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:   "allowed exact",
			rules:  Rules{Allow: []string{"https://app.example.com"}},
			origin: "https://app.example.com",
		},
		{
			name:    "not in allow list",
			rules:   Rules{Allow: []string{"https://app.example.com"}},
			origin:  "https://other.example.com",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:    "allow list rejects missing origin",
			rules:   Rules{Allow: []string{"https://app.example.com"}},
			origin:  "",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:   "wildcard label",
			rules:  Rules{Allow: []string{"https://*.example.com"}},
			origin: "https://docs.example.com",
		},
		{
			name:    "wildcard is a single label",
			rules:   Rules{Allow: []string{"https://*.example.com"}},
			origin:  "https://a.b.example.com",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:    "wildcard does not match apex",
			rules:   Rules{Allow: []string{"https://*.example.com"}},
			origin:  "https://example.com",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:   "wildcard port",
			rules:  Rules{Allow: []string{"http://localhost:*"}},
			origin: "http://localhost:5173",
		},
		{
			name:   "trailing slash in pattern ignored",
			rules:  Rules{Allow: []string{"https://app.example.com/"}},
			origin: "https://app.example.com",
		},
		{
			name:   "star allows all",
			rules:  Rules{Allow: []string{"*"}},
			origin: "https://whatever.test",
		},
		{
			name:    "deny wins over allow",
			rules:   Rules{Allow: []string{"*"}, Deny: []string{"http://evil.test"}},
			origin:  "http://evil.test",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:    "deny wins over matching wildcard allow",
			rules:   Rules{Allow: []string{"https://*.example.com"}, Deny: []string{"https://bad.example.com"}},
			origin:  "https://bad.example.com",
			wantErr: &model.ForbiddenOriginError{},
		},
		{
			name:    "required header missing",
			rules:   Rules{Required: []string{"x-requested-with"}},
			origin:  "https://app.example.com",
			header:  http.Header{},
			wantErr: &model.MissingHeaderError{},
		},
		{
			name:    "required header blank",
			rules:   Rules{Required: []string{"X-Requested-With"}},
			origin:  "https://app.example.com",
			header:  http.Header{"X-Requested-With": {"  "}},
			wantErr: &model.MissingHeaderError{},
		},
		{
			name:   "required header present",
			rules:  Rules{Required: []string{"x-requested-with"}},
			origin: "https://app.example.com",
			header: http.Header{"X-Requested-With": {"XMLHttpRequest"}},
		},
		{
			name:    "required header checked before deny",
			rules:   Rules{Required: []string{"Origin"}, Deny: []string{"http://evil.test"}},
			origin:  "",
			header:  http.Header{},
			wantErr: &model.MissingHeaderError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.rules)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			header := tt.header
			if header == nil {
				header = http.Header{}
			}

			err = g.Check(header, tt.origin)
			switch want := tt.wantErr.(type) {
			case nil:
				if err != nil {
					t.Errorf("Check() error = %v, want nil", err)
				}
			case *model.ForbiddenOriginError:
				if !errors.As(err, &want) {
					t.Errorf("Check() error = %v, want ForbiddenOriginError", err)
				}
			case *model.MissingHeaderError:
				if !errors.As(err, &want) {
					t.Errorf("Check() error = %v, want MissingHeaderError", err)
				}
			}
		})
	}
}

func TestCheck_DenyRegardlessOfAllowList(t *testing.T) {
	allowLists := [][]string{
		nil,
		{"*"},
		{"http://evil.test"},
		{"http://*.test"},
		{"https://good.test", "http://evil.test"},
	}
	for _, allow := range allowLists {
		g, err := New(Rules{Allow: allow, Deny: []string{"http://evil.test"}})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		var foe *model.ForbiddenOriginError
		if err := g.Check(http.Header{}, "http://evil.test"); !errors.As(err, &foe) {
			t.Errorf("allow=%v: Check() error = %v, want ForbiddenOriginError", allow, err)
		}
	}
}

func TestUpdate_SwapsRules(t *testing.T) {
	g, err := New(Rules{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Check(http.Header{}, "http://evil.test"); err != nil {
		t.Fatalf("Check() before update error = %v", err)
	}

	if err := g.Update(Rules{Deny: []string{"http://evil.test"}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := g.Check(http.Header{}, "http://evil.test"); err == nil {
		t.Fatal("Check() after update expected error, got nil")
	}

	got := g.Rules()
	if len(got.Deny) != 1 || got.Deny[0] != "http://evil.test" {
		t.Errorf("Rules().Deny = %v", got.Deny)
	}
}

func TestUpdate_ConcurrentChecks(t *testing.T) {
	g, err := New(Rules{Allow: []string{"https://a.test"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				if i%2 == 0 && j%20 == 0 {
					_ = g.Update(Rules{Allow: []string{"https://a.test", "https://b.test"}})
					continue
				}
				_ = g.Check(http.Header{}, "https://a.test")
			}
		}()
	}
	wg.Wait()

	if err := g.Check(http.Header{}, "https://a.test"); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}
