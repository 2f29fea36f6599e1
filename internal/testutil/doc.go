// Package testutil provides fixtures and a controllable clock shared by the
// oauth-core test suites.
package testutil
