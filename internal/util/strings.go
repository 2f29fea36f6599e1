package util

// tokenPrefixLen is how much of a credential may appear in logs.
const tokenPrefixLen = 8

// TokenPrefix returns the first bytes of a token so log lines can tell
// credentials apart without disclosing them.
func TokenPrefix(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}
