package gateway

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pointdeck/pointdeck/internal/session"
)

// ShareRef is the session reference extracted from a share link. Exactly
// one locator is primary: a token when the link embeds full state, a
// session ID otherwise.
type ShareRef struct {
	SessionID string
	Token     string
}

// ParseShareLink extracts a session reference from any supported link
// form:
//
//	?session=<ID>       join by code
//	#state=<token>      full-state share token in the fragment
//	#session-<ID>       legacy fragment form, still accepted
//
// The fragment wins over the query when both are present, since a token
// carries strictly more information.
func ParseShareLink(link string) (ShareRef, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return ShareRef{}, fmt.Errorf("%w: empty link", session.ErrInvalidSessionID)
	}

	u, err := url.Parse(link)
	if err != nil {
		return ShareRef{}, fmt.Errorf("%w: unparseable link: %v", session.ErrInvalidSessionID, err)
	}

	if frag := u.Fragment; frag != "" {
		if token, ok := strings.CutPrefix(frag, "state="); ok && token != "" {
			return ShareRef{Token: token}, nil
		}
		if id, ok := strings.CutPrefix(frag, "session-"); ok {
			if !session.ValidID(id) {
				return ShareRef{}, fmt.Errorf("%w: %q", session.ErrInvalidSessionID, id)
			}
			return ShareRef{SessionID: id}, nil
		}
	}

	if id := u.Query().Get("session"); id != "" {
		if !session.ValidID(id) {
			return ShareRef{}, fmt.Errorf("%w: %q", session.ErrInvalidSessionID, id)
		}
		return ShareRef{SessionID: id}, nil
	}

	// A bare session code is accepted as a degenerate link.
	if session.ValidID(link) {
		return ShareRef{SessionID: link}, nil
	}

	return ShareRef{}, fmt.Errorf("%w: no session reference in link", session.ErrInvalidSessionID)
}

// BuildShareLink renders the canonical relative share link: the join code
// in the query for servers, the full state token in the fragment so it
// never crosses the wire on navigation.
func BuildShareLink(sessionID, token string) string {
	v := url.Values{}
	v.Set("session", sessionID)
	link := "/?" + v.Encode()
	if token != "" {
		link += "#state=" + token
	}
	return link
}
