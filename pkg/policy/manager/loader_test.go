package manager

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/override"
)

func TestLoader_Parse(t *testing.T) {
	b, err := NewLoader(nil).Parse("acme.yaml", []byte(acmeBundle))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if b.Tenant != "acme" || len(b.Policies) != 2 || len(b.Scopes) != 2 {
		t.Fatalf("Parse() = %+v", b)
	}
	if b.Policies[1].Version != 1 {
		t.Errorf("default version = %d, want 1", b.Policies[1].Version)
	}

	row := b.Precedence[0]
	if row.ConflictStrategy != policy.StrategyMostRestrictive || row.BindAt != policy.BindRunStart || row.FailureMode != policy.FailClosed {
		t.Errorf("precedence defaults not applied: %+v", row)
	}
	if b.Precedence[1].ConflictStrategy != policy.StrategyExplicitPriority {
		t.Errorf("explicit strategy overwritten: %+v", b.Precedence[1])
	}
	if b.Thresholds["cost_usd"] != 50 {
		t.Errorf("Thresholds = %v", b.Thresholds)
	}

	if len(b.Overrides) != 1 {
		t.Fatalf("Overrides = %+v", b.Overrides)
	}
	oc := b.Overrides[0]
	if oc.TenantID != "acme" || oc.MaxDuration != time.Hour || !oc.RequiresReason {
		t.Errorf("override config = %+v", oc)
	}
	if _, err := policy.Compile(b.Policies[0].Logic); err != nil {
		t.Errorf("logic should compile: %v", err)
	}
}

func TestLoader_ParseRejects(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType any
		wantMsg  string
	}{
		{name: "empty", data: "", wantType: &ParseError{}, wantMsg: "empty bundle"},
		{name: "malformed", data: "tenant: [", wantType: &ParseError{}},
		{name: "unknown key", data: "tenant: a\npolicys: []\n", wantType: &ParseError{}},
		{name: "invalid utf8", data: "tenant: \xff\n", wantType: &LoadError{}},
		{name: "no tenant", data: strings.Replace(globexBundle, "tenant: globex", "", 1), wantType: &ValidationError{}, wantMsg: "tenant cannot be empty"},
		{name: "no policies", data: "tenant: a\n", wantType: &ValidationError{}, wantMsg: "no policies"},
		{
			name:     "foreign policy",
			data:     strings.Replace(globexBundle, "  - id: deny-all\n", "  - id: deny-all\n    tenant_id: acme\n", 1),
			wantType: &ValidationError{},
			wantMsg:  "belongs to tenant",
		},
		{
			name:     "missing precedence row is fine but unknown scope policy is not",
			data:     strings.Replace(globexBundle, "{policy_id: deny-all, scope_type", "{policy_id: ghost, scope_type", 1),
			wantType: &ValidationError{},
			wantMsg:  "unknown policy",
		},
		{
			name:     "logic does not compile",
			data:     strings.Replace(globexBundle, "{op: action, action: DENY, rule: lockdown}", "{op: jump, target: nowhere}", 1),
			wantType: &ValidationError{},
		},
		{
			name:     "negative threshold",
			data:     globexBundle + "thresholds:\n  cost_usd: -1\n",
			wantType: &ValidationError{},
			wantMsg:  "non-negative",
		},
		{
			name:     "override without roles",
			data:     globexBundle + "overrides:\n  - {policy_id: deny-all, override_allowed: true, max_duration: 1h}\n",
			wantType: &ValidationError{},
			wantMsg:  "allowed_roles",
		},
		{
			name:     "override for unknown policy",
			data:     globexBundle + "overrides:\n  - {policy_id: ghost}\n",
			wantType: &ValidationError{},
			wantMsg:  "unknown policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(nil).Parse("bundle.yaml", []byte(tt.data))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			switch tt.wantType.(type) {
			case *ParseError:
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Errorf("error = %T %v, want *ParseError", err, err)
				}
			case *LoadError:
				var le *LoadError
				if !errors.As(err, &le) {
					t.Errorf("error = %T %v, want *LoadError", err, err)
				}
			case *ValidationError:
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("error = %T %v, want *ValidationError", err, err)
				}
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoader_ValidationCauses(t *testing.T) {
	_, err := NewLoader(nil).Parse("g.yaml", []byte(globexBundle+"overrides:\n  - {policy_id: deny-all, max_overrides_per_day: -1}\n"))
	var cfgErr *override.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want wrapped *override.ConfigError", err)
	}

	dup := strings.Replace(globexBundle, "precedence:\n", "precedence:\n  - {policy_id: deny-all, precedence: 2}\n", 1)
	_, err = NewLoader(nil).Parse("g.yaml", []byte(dup))
	var setErr *policy.ValidationError
	if !errors.As(err, &setErr) {
		t.Errorf("error = %v, want wrapped *policy.ValidationError", err)
	}
}

func TestLoader_LoadFile(t *testing.T) {
	dir := writeBundles(t, map[string]string{"acme.yaml": acmeBundle})

	b, err := NewLoader(nil).LoadFile(filepath.Join(dir, "acme.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if b.Path != filepath.Join(dir, "acme.yaml") {
		t.Errorf("Path = %q", b.Path)
	}

	var le *LoadError
	_, err = NewLoader(nil).LoadFile(filepath.Join(dir, "missing.yaml"))
	if !errors.As(err, &le) || le.Message != "file not found" {
		t.Errorf("missing file error = %v", err)
	}

	_, err = NewLoader(nil).LoadFile(dir)
	if !errors.As(err, &le) || le.Message != "not a regular file" {
		t.Errorf("directory error = %v", err)
	}

	small := DefaultLoaderConfig()
	small.MaxFileSize = 10
	_, err = NewLoader(small).LoadFile(filepath.Join(dir, "acme.yaml"))
	if !errors.As(err, &le) || !strings.Contains(le.Message, "exceeds maximum") {
		t.Errorf("size limit error = %v", err)
	}
}

func TestLoader_LoadDir(t *testing.T) {
	dir := writeBundles(t, map[string]string{
		"acme.yaml":          acmeBundle,
		"teams/globex.yml":   globexBundle,
		"README.md":          "not a bundle",
		".drafts/wip.yaml":   "tenant: [",
		"broken.yaml":        "tenant: [",
		"dupe/acme-old.yaml": acmeBundle,
	})

	bundles, err := NewLoader(nil).LoadDir(dir)
	var list *ErrorList
	if !errors.As(err, &list) {
		t.Fatalf("LoadDir() error = %v, want *ErrorList", err)
	}
	// broken.yaml plus the second acme file.
	if len(list.Errors) != 2 {
		t.Errorf("errors = %v, want 2", list.Errors)
	}
	if len(bundles) != 1 || bundles[0].Tenant != "globex" {
		t.Errorf("bundles = %v, want only globex (acme declared twice)", tenants(bundles))
	}
}

func TestLoader_LoadDirErrors(t *testing.T) {
	var le *LoadError
	if _, err := NewLoader(nil).LoadDir(filepath.Join(t.TempDir(), "nope")); !errors.As(err, &le) || le.Message != "directory not found" {
		t.Errorf("missing dir error = %v", err)
	}

	empty := writeBundles(t, map[string]string{"notes.txt": "x"})
	if _, err := NewLoader(nil).LoadDir(empty); !errors.As(err, &le) || !strings.Contains(le.Message, "no bundle files") {
		t.Errorf("empty dir error = %v", err)
	}

	dir := writeBundles(t, map[string]string{"a.yaml": acmeBundle})
	if _, err := NewLoader(nil).LoadDir(filepath.Join(dir, "a.yaml")); !errors.As(err, &le) || le.Message != "not a directory" {
		t.Errorf("file as dir error = %v", err)
	}
}

func TestErrorList(t *testing.T) {
	list := &ErrorList{}
	if list.ToError() != nil || list.HasErrors() {
		t.Error("empty list should be nil error")
	}
	a := &LoadError{FilePath: "a.yaml", Message: "file not found"}
	list.Add(a)
	list.Add(nil)
	if list.ToError() != error(a) {
		t.Errorf("single error ToError() = %v", list.ToError())
	}
	list.Add(&ParseError{FilePath: "b.yaml", Message: "empty bundle"})
	if !strings.HasPrefix(list.Error(), "2 errors occurred") {
		t.Errorf("Error() = %q", list.Error())
	}
	var pe *ParseError
	if !errors.As(list.ToError(), &pe) || pe.FilePath != "b.yaml" {
		t.Error("errors.As should reach list members")
	}
}

func tenants(bs []*Bundle) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Tenant)
	}
	return out
}
