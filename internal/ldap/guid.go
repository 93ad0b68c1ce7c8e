package ldap

import (
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// DecodeGUID converts a binary objectGUID to its canonical string form.
// Active Directory stores the first three fields little-endian.
func DecodeGUID(guidBytes []byte) (string, error) {
	id, err := uuid.FromBytes(guidBytes)
	if err != nil {
		return "", err
	}

	id[0], id[1], id[2], id[3] = id[3], id[2], id[1], id[0]
	id[4], id[5] = id[5], id[4]
	id[6], id[7] = id[7], id[6]

	return id.String(), nil
}

// extractGUID returns the entry's objectGUID as a string, or "" when absent or malformed.
func extractGUID(entry *ldap.Entry) string {
	guid, err := DecodeGUID(entry.GetEqualFoldRawAttributeValue("objectGUID"))
	if err != nil {
		return ""
	}
	return guid
}
