package helpers

import (
	"net/mail"
	"strings"
)

// ExtractAddress pulls the bare email address out of a From header value,
// which may be of the form `Display Name <user@example.com>`.
func ExtractAddress(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(header); err == nil {
		return strings.ToLower(addr.Address)
	}
	// Fall back to the raw value for headers net/mail rejects.
	if i := strings.IndexByte(header, '<'); i >= 0 {
		if j := strings.IndexByte(header[i:], '>'); j > 0 {
			return strings.ToLower(header[i+1 : i+j])
		}
	}
	return strings.ToLower(header)
}

// SplitEmailAddress splits an address into local part and domain.
func SplitEmailAddress(email string) (localpart, domain string) {
	email = strings.ToLower(email)
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// AddressDomain returns the domain portion of an address, or "" when the
// value does not contain one.
func AddressDomain(email string) string {
	_, domain := SplitEmailAddress(ExtractAddress(email))
	return domain
}
