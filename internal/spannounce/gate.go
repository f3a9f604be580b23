package spannounce

import "crypto/subtle"

// Config is deployment-wide access configuration. It's built once at startup
// and never modified afterwards.
type Config struct {
	// When false, every create, update, and delete must present the master
	// password.
	AllowPublicAccess bool

	MasterPassword string
}

// Gate decides whether operations are allowed given the credentials that came
// with them.
type Gate struct {
	config *Config
}

func NewGate(config *Config) *Gate {
	return &Gate{config: config}
}

// AllowPublicAccess reports whether mutations are open to anyone.
func (g *Gate) AllowPublicAccess() bool {
	return g.config.AllowPublicAccess
}

// AuthorizeMutation reports whether a create, update, or delete may proceed.
// An unset master password on a closed deployment locks mutations entirely
// rather than accepting an empty one.
func (g *Gate) AuthorizeMutation(suppliedMasterPassword string) bool {
	if g.config.AllowPublicAccess {
		return true
	}

	if g.config.MasterPassword == "" || suppliedMasterPassword == "" {
		return false
	}

	return secureEqual(suppliedMasterPassword, g.config.MasterPassword)
}

// AuthorizeRead reports whether record may be read by someone presenting
// suppliedSecret.
func (g *Gate) AuthorizeRead(record *Record, suppliedSecret string) bool {
	if record.Public {
		return true
	}

	if suppliedSecret == "" {
		return false
	}

	return secureEqual(suppliedSecret, record.Secret)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
