package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Active Directory stores objectGUID with the first three fields
// little-endian; the last eight bytes keep network order.
func swapGUIDFields(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	return out
}

// guidFromBytes converts a raw objectGUID into its canonical string form.
func guidFromBytes(raw []byte) (string, error) {
	if len(raw) != 16 {
		return "", fmt.Errorf("invalid objectGUID length: expected 16 bytes, got %d", len(raw))
	}
	id, err := uuid.FromBytes(swapGUIDFields(raw))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// guidToBytes converts a GUID string (hyphenated, braced or compact) into
// the objectGUID byte layout.
func guidToBytes(s string) ([]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	return swapGUIDFields(id[:]), nil
}

// guidFilter matches objectGUID against a GUID string.
func guidFilter(s string) (string, error) {
	raw, err := guidToBytes(s)
	if err != nil {
		return "", err
	}
	return "(objectGUID=" + ldap.EscapeFilter(string(raw)) + ")", nil
}

// sidFromBytes decodes a binary objectSid into S-1-5-... form.
func sidFromBytes(raw []byte) (string, error) {
	// A SID carries at least the revision, sub-authority count and the
	// 6-byte identifier authority.
	if len(raw) < 8 {
		return "", fmt.Errorf("invalid objectSid length %d", len(raw))
	}
	if want := 8 + 4*int(raw[1]); len(raw) < want {
		return "", fmt.Errorf("objectSid truncated: expected %d bytes, got %d", want, len(raw))
	}
	sid := objectsid.Decode(raw)
	return sid.String(), nil
}
