package web

// WebFingerResponse is the JRD served at
// /.well-known/webfinger?resource=acct:user@domain, grounded on the
// teacher's GetWebfinger/GetWebFingerNotFound (web/webfinger.go is
// absent from this snapshot; the route wiring that calls it survives
// in web/router.go).
type WebFingerResponse struct {
	Subject string             `json:"subject"`
	Aliases []string           `json:"aliases,omitempty"`
	Links   []WebFingerLink    `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// BuildWebFingerResponse renders the discovery document for a local
// actor, pointing "self" at the actor's JSON-LD document and the
// (teacher-style) profile page link.
func BuildWebFingerResponse(username, domain, actorURI string) *WebFingerResponse {
	return &WebFingerResponse{
		Subject: "acct:" + username + "@" + domain,
		Aliases: []string{actorURI},
		Links: []WebFingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURI},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://" + domain + "/u/" + username},
		},
	}
}
