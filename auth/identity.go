package auth

// Kind distinguishes how an identity authenticated.
type Kind string

const (
	KindStaticKey Kind = "static_key"
	KindOAuthUser Kind = "oauth_user"
)

// Identity is the principal a request runs as. It is a value type; the
// upstream access token is unexported so it never reaches JSON output or logs.
type Identity struct {
	Kind        Kind   `json:"kind"`
	Label       string `json:"label"`
	PropertyRef string `json:"property_ref"`

	accessToken string
}

// NewStaticKeyIdentity returns the identity bound to a configured api key.
func NewStaticKeyIdentity(username, propertyRef string) Identity {
	return Identity{Kind: KindStaticKey, Label: username, PropertyRef: propertyRef}
}

// NewOAuthIdentity returns an OAuth-backed identity carrying a fresh upstream
// access token.
func NewOAuthIdentity(email, propertyRef, accessToken string) Identity {
	return Identity{
		Kind:        KindOAuthUser,
		Label:       email,
		PropertyRef: propertyRef,
		accessToken: accessToken,
	}
}

// AccessToken returns the upstream access token. Empty for static keys.
func (i Identity) AccessToken() string {
	return i.accessToken
}

// Key is the admission key. Kinds are kept apart so a username and an email
// that happen to be equal do not share a rate window.
func (i Identity) Key() string {
	return string(i.Kind) + ":" + i.Label
}

func (i Identity) String() string {
	return i.Key()
}

// Credential is what a caller presented. At most one of the fields is used.
type Credential struct {
	APIKey string
	Bearer string
}

func (c Credential) Empty() bool {
	return c.APIKey == "" && c.Bearer == ""
}
