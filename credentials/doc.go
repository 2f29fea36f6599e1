// Package credentials produces the unguessable opaque strings used as
// client random ids, client secrets, authorization codes, access tokens
// and refresh tokens.
//
// The default Generator draws 32 bytes from crypto/rand and encodes them
// as unpadded base64url, giving fixed-length 43 character values with
// 256 bits of entropy. Generators are safe for concurrent use. Duplicate
// values are not prevented here; stores detect collisions and ask for a
// new value.
package credentials
