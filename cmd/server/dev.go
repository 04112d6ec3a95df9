package server

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/stephnangue/tally/config"
)

const (
	devUser          = "dev"
	devKeyLength     = 40
	devSessionKeyLen = 48
)

// devCredentials fills in what a development server needs to run without a
// config file and remembers what it generated for the banner.
type devCredentials struct {
	apiKey      string
	property    string
	sessionKey  bool
	generateErr error
}

func (d *devCredentials) apply(c *config.Config) {
	c.Storage = &config.StorageBlock{Type: "inmem"}

	if c.Session != nil && c.Session.SigningKey == "" {
		key, err := base62.Random(devSessionKeyLen)
		if err != nil {
			d.generateErr = err
			return
		}
		c.Session.SigningKey = key
		d.sessionKey = true
	}

	// a dev key is only useful when there is a property to bind it to
	if len(c.APIKeys) == 0 && c.DefaultProperty != "" {
		key, err := base62.Random(devKeyLength)
		if err != nil {
			d.generateErr = err
			return
		}
		c.APIKeys = append(c.APIKeys, config.APIKeyBlock{User: devUser, Key: key, Property: c.DefaultProperty})
		d.apiKey = key
		d.property = c.DefaultProperty
	}
}

// printDevBanner prints the dev mode warning and any generated credentials.
func printDevBanner(w io.Writer, d *devCredentials) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "WARNING! dev mode is enabled! In this mode, Tally keeps grants and usage\n")
	fmt.Fprintf(w, "records in memory. All data is lost on restart.\n")
	fmt.Fprintf(w, "\n")

	if d.generateErr != nil {
		fmt.Fprintf(w, "Could not generate development credentials: %v\n\n", d.generateErr)
	}
	if d.apiKey != "" {
		fmt.Fprintf(w, "Development API key (user %q, property %s):\n\n", devUser, d.property)
		fmt.Fprintf(w, "    X-API-Key: %s\n\n", d.apiKey)
	}
	if d.sessionKey {
		fmt.Fprintf(w, "A random session signing key was generated; session tokens will not\n")
		fmt.Fprintf(w, "survive a restart.\n\n")
	}
	fmt.Fprintf(w, "Development mode should NOT be used in production installations!\n")
}
