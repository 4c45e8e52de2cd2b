package ingest

import (
	"path/filepath"
	"strings"
	"sync/atomic"
)

// SecurityFilter rejects ingest of paths whose basename or any path
// component looks like a credential or secret.
type SecurityFilter struct {
	patterns []string
	rejected atomic.Int64
}

// DefaultSecurityPatterns covers the common credential/secret filenames.
var DefaultSecurityPatterns = []string{
	".env", ".env.local", ".env.production",
	"id_rsa", "id_ed25519", "id_ecdsa",
	".pem", ".aws/", ".ssh/",
}

// NewSecurityFilter builds a filter from a pattern list; patterns ending in
// "/" match a path component exactly; patterns starting with "." match a
// basename equal to the pattern, starting with the pattern plus ".", or
// ending in the pattern (".pem" style); other patterns match the basename
// exactly.
func NewSecurityFilter(patterns []string) *SecurityFilter {
	return &SecurityFilter{patterns: patterns}
}

// Reject reports whether vpath should be refused ingest, incrementing the
// rejection counter when it does.
func (s *SecurityFilter) Reject(vpath string) bool {
	base := filepath.Base(vpath)
	parts := strings.Split(filepath.ToSlash(vpath), "/")
	for _, pat := range s.patterns {
		if strings.HasSuffix(pat, "/") {
			comp := strings.TrimSuffix(pat, "/")
			for _, part := range parts {
				if part == comp {
					s.rejected.Add(1)
					return true
				}
			}
			continue
		}
		if strings.HasPrefix(pat, ".") && !strings.Contains(pat, "*") {
			if base == pat || strings.HasPrefix(base, pat+".") || strings.HasSuffix(base, pat) {
				s.rejected.Add(1)
				return true
			}
			continue
		}
		if base == pat {
			s.rejected.Add(1)
			return true
		}
	}
	return false
}

// RejectedCount returns the number of ingest attempts rejected so far.
func (s *SecurityFilter) RejectedCount() int64 {
	return s.rejected.Load()
}
