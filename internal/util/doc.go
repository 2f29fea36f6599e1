// Package util provides small helpers shared across the oauth-core packages.
//
// Key utilities:
//   - TokenPrefix: the loggable prefix of a credential
//   - SplitScope, JoinScope: convert between scope strings and lists
//   - ScopeSubset: checks a requested scope against a granted one
package util
