package server

import "net/http"

const authRealm = "presence-relay"

// identityFromRequest extracts the username from HTTP Basic credentials. The
// password is not checked. An empty username is treated as no credentials.
func identityFromRequest(r *http.Request) (string, bool) {
	username, _, ok := r.BasicAuth()
	if !ok || username == "" {
		return "", false
	}
	return username, true
}
