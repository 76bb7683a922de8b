package mailbox

import (
	"fmt"
	"time"
)

// BuildXOAuth2String builds the raw (pre-base64) SASL XOAUTH2 initial
// response shared by the source and destination clients.
func BuildXOAuth2String(username, accessToken string) string {
	return "user=" + username + "\x01auth=Bearer " + accessToken + "\x01\x01"
}

// SearchSinceDate formats t in the `dd-Mon-yyyy` form IMAP SEARCH SINCE
// expects.
func SearchSinceDate(t time.Time) string {
	return t.UTC().Format("02-Jan-2006")
}

// parseSearchDate parses the `dd-Mon-yyyy` form produced by SearchSinceDate
// back into a time.Time for use as an imap.SearchCriteria.Since value.
func parseSearchDate(s string) (time.Time, error) {
	t, err := time.Parse("02-Jan-2006", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse search date %q: %w", s, err)
	}
	return t, nil
}
