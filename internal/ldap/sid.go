package ldap

import (
	"errors"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// minSIDLength is the size of a SID with no sub-authorities.
const minSIDLength = 8

// DecodeSID converts a binary objectSid to its S-1-5-21-... string form.
func DecodeSID(binarySID []byte) (string, error) {
	if len(binarySID) < minSIDLength {
		return "", errors.New("binary SID too short")
	}
	if want := minSIDLength + 4*int(binarySID[1]); len(binarySID) < want {
		return "", errors.New("binary SID truncated")
	}
	return objectsid.Decode(binarySID).String(), nil
}

// extractSID returns the entry's objectSid as a string, or "" when absent or malformed.
func extractSID(entry *ldap.Entry) string {
	sid, err := DecodeSID(entry.GetEqualFoldRawAttributeValue("objectSid"))
	if err != nil {
		return ""
	}
	return sid
}
