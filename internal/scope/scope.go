// Package scope derives tenant/user object-key namespaces and validates the
// bucket names and paths both upload pipelines accept.
package scope

import (
	"net"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/google/uuid"
)

const (
	maxKeyLength      = 1024
	maxFileNameLength = 255
)

var (
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Owner identifies the caller. Both parts come from the verified token,
// never from request bodies.
type Owner struct {
	TenantID string
	UserID   string
}

// Valid reports whether both identifiers are safe to embed in a key.
func (o Owner) Valid() bool {
	return idPattern.MatchString(o.TenantID) && idPattern.MatchString(o.UserID)
}

// Key is the stable map key used for per-owner state.
func (o Owner) Key() string {
	return o.TenantID + "/" + o.UserID
}

// Prefix is the object-key namespace the owner may write to.
func (o Owner) Prefix() string {
	return "tenants/" + o.TenantID + "/users/" + o.UserID + "/"
}

func (o Owner) String() string { return o.Key() }

// NormalizeScopedObjectKey places requested under the owner's prefix. An
// empty request yields "<uuid>/<fileName>". A request that already starts
// with the owner's prefix is accepted once; anything that would escape the
// prefix is a scope violation.
func NormalizeScopedObjectKey(owner Owner, requested, fileName string) (string, error) {
	if !owner.Valid() {
		return "", apperr.New(apperr.CodeForbidden, "caller identity cannot be scoped")
	}

	requested = strings.TrimSpace(requested)
	if requested == "" {
		name, err := CleanFileName(fileName)
		if err != nil {
			return "", err
		}
		return owner.Prefix() + uuid.NewString() + "/" + name, nil
	}

	rel := strings.TrimLeft(requested, "/")
	rel = strings.TrimPrefix(rel, owner.Prefix())
	if err := checkRelativeKey(rel); err != nil {
		return "", err
	}

	key := owner.Prefix() + rel
	if len(key) > maxKeyLength {
		return "", apperr.New(apperr.CodeScopeViolation, "object key exceeds %d bytes", maxKeyLength)
	}
	if !strings.HasPrefix(path.Clean(key), strings.TrimSuffix(owner.Prefix(), "/")) {
		return "", apperr.New(apperr.CodeScopeViolation, "object key escapes caller scope")
	}
	return key, nil
}

// SessionObjectKey joins a session storage path and file name under the
// owner's prefix.
func SessionObjectKey(owner Owner, storagePath, fileName string) (string, error) {
	dir, err := ValidatePath(storagePath)
	if err != nil {
		return "", err
	}
	name, err := CleanFileName(fileName)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return NormalizeScopedObjectKey(owner, name, name)
	}
	return NormalizeScopedObjectKey(owner, dir+"/"+name, name)
}

// ValidatePath checks a directory-like storage path and returns it without
// surrounding slashes. The empty path is the owner's root.
func ValidatePath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", nil
	}
	if err := checkRelativeKey(p); err != nil {
		return "", err
	}
	return p, nil
}

// CleanFileName validates a single path segment used as a file name.
func CleanFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", apperr.New(apperr.CodeBadRequest, "file name is required")
	case len(name) > maxFileNameLength:
		return "", apperr.New(apperr.CodeBadRequest, "file name exceeds %d bytes", maxFileNameLength)
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`):
		return "", apperr.New(apperr.CodeScopeViolation, "file name must be a single path segment")
	case hasControl(name):
		return "", apperr.New(apperr.CodeBadRequest, "file name contains control characters")
	}
	return name, nil
}

// ValidateBucketName applies S3 bucket naming rules.
func ValidateBucketName(name string) error {
	if !bucketNamePattern.MatchString(name) {
		return apperr.New(apperr.CodeBadRequest, "invalid bucket name %q", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return apperr.New(apperr.CodeBadRequest, "invalid bucket name %q", name)
	}
	if net.ParseIP(name) != nil {
		return apperr.New(apperr.CodeBadRequest, "bucket name must not be an IP address")
	}
	return nil
}

// BucketPolicy restricts which buckets callers may target. An empty policy
// allows any syntactically valid bucket.
type BucketPolicy struct {
	allowed map[string]struct{}
}

// NewBucketPolicy builds a policy from an allow-list.
func NewBucketPolicy(allowed []string) BucketPolicy {
	p := BucketPolicy{}
	if len(allowed) == 0 {
		return p
	}
	p.allowed = make(map[string]struct{}, len(allowed))
	for _, b := range allowed {
		p.allowed[b] = struct{}{}
	}
	return p
}

// Check validates name and applies the allow-list.
func (p BucketPolicy) Check(name string) error {
	if err := ValidateBucketName(name); err != nil {
		return err
	}
	if p.allowed == nil {
		return nil
	}
	if _, ok := p.allowed[name]; !ok {
		return apperr.New(apperr.CodeForbidden, "bucket %q is not available", name)
	}
	return nil
}

func checkRelativeKey(rel string) error {
	if rel == "" {
		return apperr.New(apperr.CodeBadRequest, "object key is empty")
	}
	if strings.Contains(rel, `\`) {
		return apperr.New(apperr.CodeScopeViolation, "object key must not contain backslashes")
	}
	if hasControl(rel) {
		return apperr.New(apperr.CodeBadRequest, "object key contains control characters")
	}
	for _, segment := range strings.Split(rel, "/") {
		switch segment {
		case "..":
			return apperr.New(apperr.CodeScopeViolation, "object key must not contain traversal sequences")
		case ".", "":
			return apperr.New(apperr.CodeScopeViolation, "object key contains an empty or relative segment")
		}
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
