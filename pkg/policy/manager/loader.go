package manager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Loader reads and validates bundle files.
type Loader struct {
	config *LoaderConfig
}

// NewLoader creates a loader. A nil config uses DefaultLoaderConfig.
func NewLoader(config *LoaderConfig) *Loader {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	return &Loader{config: config}
}

// LoadFile reads and validates a single bundle file.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		msg := "failed to access file"
		switch {
		case errors.Is(err, fs.ErrNotExist):
			msg = "file not found"
		case errors.Is(err, fs.ErrPermission):
			msg = "permission denied"
		}
		return nil, &LoadError{FilePath: path, Message: msg, Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &LoadError{FilePath: path, Message: "not a regular file"}
	}
	if info.Size() > l.config.MaxFileSize {
		return nil, &LoadError{
			FilePath: path,
			Message:  fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), l.config.MaxFileSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to read file", Cause: err}
	}
	return l.Parse(path, data)
}

// Parse decodes and validates bundle data. Unknown fields are rejected so a
// misspelled key cannot silently drop a policy setting.
func (l *Loader) Parse(path string, data []byte) (*Bundle, error) {
	if !utf8.Valid(data) {
		return nil, &LoadError{FilePath: path, Message: "file contains invalid UTF-8 encoding"}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{FilePath: path, Message: "empty bundle"}
		}
		return nil, &ParseError{FilePath: path, Message: "invalid bundle YAML", Cause: err}
	}
	b.Path = path

	if err := validateBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func validateBundle(b *Bundle) error {
	verr := func(format string, args ...any) error {
		return &ValidationError{FilePath: b.Path, Tenant: b.Tenant, Message: fmt.Sprintf(format, args...)}
	}

	if b.Tenant == "" {
		return verr("tenant cannot be empty")
	}
	if len(b.Policies) == 0 {
		return verr("bundle declares no policies")
	}
	for _, p := range b.Policies {
		if !owned(p.TenantID, b.Tenant) {
			return verr("policy %s belongs to tenant %q", p.ID, p.TenantID)
		}
	}
	for i, sc := range b.Scopes {
		if !owned(sc.TenantID, b.Tenant) {
			return verr("scope[%d] belongs to tenant %q", i, sc.TenantID)
		}
	}
	for i, row := range b.Precedence {
		if !owned(row.TenantID, b.Tenant) {
			return verr("precedence[%d] belongs to tenant %q", i, row.TenantID)
		}
	}

	set := b.Set()
	set.ApplyDefaults()
	if err := set.Validate(); err != nil {
		return &ValidationError{FilePath: b.Path, Tenant: b.Tenant, Cause: err}
	}

	for metric, v := range b.Thresholds {
		if strings.TrimSpace(metric) == "" {
			return verr("threshold metric name cannot be empty")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return verr("threshold %s must be a finite non-negative number", metric)
		}
	}

	ids := make(map[string]bool, len(b.Policies))
	for _, p := range b.Policies {
		ids[p.ID] = true
	}
	seen := make(map[string]bool, len(b.Overrides))
	for i := range b.Overrides {
		oc := &b.Overrides[i]
		if !owned(oc.TenantID, b.Tenant) {
			return verr("override for %s belongs to tenant %q", oc.PolicyID, oc.TenantID)
		}
		oc.TenantID = b.Tenant
		if err := oc.Validate(); err != nil {
			return &ValidationError{FilePath: b.Path, Tenant: b.Tenant, Cause: err}
		}
		if !ids[oc.PolicyID] {
			return verr("override for unknown policy %q", oc.PolicyID)
		}
		if seen[oc.PolicyID] {
			return verr("duplicate override for policy %s", oc.PolicyID)
		}
		seen[oc.PolicyID] = true
	}
	return nil
}

// owned reports whether an entry with tenant id may live in tenant's
// bundle. Empty ids are shared rows.
func owned(id, tenant string) bool {
	return id == "" || id == tenant
}

// LoadDir loads every bundle file under dir. It returns the valid bundles
// sorted by tenant and, when some files failed, an *ErrorList next to them.
// Two files declaring the same tenant are both rejected.
func (l *Loader) LoadDir(dir string) ([]*Bundle, error) {
	info, err := os.Stat(dir)
	if err != nil {
		msg := "failed to access directory"
		if errors.Is(err, fs.ErrNotExist) {
			msg = "directory not found"
		}
		return nil, &LoadError{FilePath: dir, Message: msg, Cause: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{FilePath: dir, Message: "not a directory"}
	}

	files, err := l.collect(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &LoadError{FilePath: dir, Message: "no bundle files found in directory"}
	}

	errList := &ErrorList{}
	byTenant := make(map[string]*Bundle)
	dupes := make(map[string]bool)
	for _, path := range files {
		b, err := l.LoadFile(path)
		if err != nil {
			errList.Add(err)
			continue
		}
		if prev, ok := byTenant[b.Tenant]; ok {
			errList.Add(&ValidationError{
				FilePath: path,
				Tenant:   b.Tenant,
				Message:  fmt.Sprintf("tenant already declared in %s", prev.Path),
			})
			dupes[b.Tenant] = true
			continue
		}
		byTenant[b.Tenant] = b
	}

	bundles := make([]*Bundle, 0, len(byTenant))
	for tenant, b := range byTenant {
		if !dupes[tenant] {
			bundles = append(bundles, b)
		}
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Tenant < bundles[j].Tenant })

	if errList.HasErrors() {
		return bundles, errList
	}
	return bundles, nil
}

func (l *Loader) collect(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if l.config.SkipHidden && strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !l.hasValidExtension(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, &LoadError{FilePath: dir, Message: "failed to walk directory", Cause: err}
	}
	sort.Strings(files)
	return files, nil
}

func (l *Loader) hasValidExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range l.config.Extensions {
		if ext == strings.ToLower(valid) {
			return true
		}
	}
	return false
}
