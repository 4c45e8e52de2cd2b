//go:build !linux && !darwin

package cas

// Platforms without a documented immutable-flag syscall get permission
// enforcement only; the tier-1 "additionally immutable" guarantee degrades
// to "0444 only" here. This is a best-effort layer on top of the
// permission Iron Law.
func setImmutable(path string) error   { return nil }
func clearImmutable(path string) error { return nil }
