package credential

// Provider supplies the bearer token attached to outgoing requests. It
// is read at call time on every request; implementations must not block
// for long.
type Provider interface {
	Token() (string, bool)
}

// Static is a fixed token. The empty string means "no credential".
type Static string

func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// None never supplies a credential.
var None Provider = Static("")

// Chain returns the first token supplied by any of its providers.
type Chain []Provider

func (c Chain) Token() (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if token, ok := p.Token(); ok {
			return token, true
		}
	}
	return "", false
}
