package mailbox

import "github.com/emersion/go-sasl"

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism used by
// both Gmail and Outlook IMAP. The initial response has no server
// challenge/response round trip: the whole credential goes out in Start.
type xoauth2Client struct {
	username    string
	accessToken string
}

// NewXOAuth2Client builds a SASL client presenting the exact initial
// response format `user=<addr>\x01auth=Bearer <token>\x01\x01`; the
// transport base64-encodes it per RFC 4954.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	return "XOAUTH2", []byte(BuildXOAuth2String(c.username, c.accessToken)), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// Servers send an empty continuation on failure to let the client abort
	// cleanly; we have nothing more to offer and reply with an empty string.
	return []byte{}, nil
}
