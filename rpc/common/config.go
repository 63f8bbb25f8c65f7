package common

import (
	"fmt"
	"github.com/golang-jwt/jwt/v5"
	"net/url"
	"strings"
	"time"
)

// Defaults for the session manager. The rotation interval is the maximum age
// of a connection before it is replaced in the background.
const (
	DefaultRotationInterval     = 60 * time.Second
	DefaultConnectTimeoutSecond = 10
	DefaultLogLevel             = "info"
)

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters of a client
type ClientConfig struct {
	// URL of the database endpoint (ws://, wss:// or libsql://)
	URL string
	// AuthToken is sent to the server during the handshake (optional)
	AuthToken string
	// TLS explicitly enables or disables TLS. nil means "derive from the URL".
	TLS *bool

	// RotationInterval is the connection age after which a replacement is
	// opened in the background. Zero means DefaultRotationInterval.
	RotationInterval time.Duration
	// RotationRetryDelay is the minimum time between a failed rotation and the
	// next attempt. Zero retries on the next lease request.
	RotationRetryDelay time.Duration
	// ConnectTimeoutSecond bounds every attempt to open a connection: the
	// initial connect, rotation and recovery. Zero means DefaultConnectTimeoutSecond.
	ConnectTimeoutSecond int

	// Logging configuration
	LogLevel string
}

// Endpoint is the validated, normalized form of the URL related settings of a ClientConfig
type Endpoint struct {
	Scheme    string // ws or wss
	Authority string // host[:port]
	Path      string
	TLS       bool
	AuthToken string
}

// URL returns the endpoint as URL string (without credentials)
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s%s", e.Scheme, e.Authority, e.Path)
}

// BoolPtr is a small helper to set the optional TLS field
func BoolPtr(b bool) *bool {
	return &b
}

// Endpoint parses and validates the URL, TLS and auth settings.
// Every inconsistency is reported as ErrConfiguration; nothing is resolved silently.
func (c *ClientConfig) Endpoint() (Endpoint, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid url %q: %v", ErrConfiguration, c.URL, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: url %q has no host", ErrConfiguration, c.URL)
	}
	if u.User != nil {
		return Endpoint{}, fmt.Errorf("%w: credentials in the url are not supported, use the auth token", ErrConfiguration)
	}
	if u.Fragment != "" {
		return Endpoint{}, fmt.Errorf("%w: url fragments are not supported", ErrConfiguration)
	}

	tls := c.TLS
	authToken := c.AuthToken

	// query parameters
	for key, values := range u.Query() {
		if len(values) != 1 {
			return Endpoint{}, fmt.Errorf("%w: url query parameter %q must be given exactly once", ErrConfiguration, key)
		}
		value := values[0]
		switch key {
		case "tls":
			var queryTLS bool
			switch value {
			case "0":
				queryTLS = false
			case "1":
				queryTLS = true
			default:
				return Endpoint{}, fmt.Errorf("%w: unknown value for the tls query parameter %q, use 0 or 1", ErrConfiguration, value)
			}
			if tls != nil && *tls != queryTLS {
				return Endpoint{}, fmt.Errorf("%w: the tls query parameter contradicts the tls setting", ErrConfiguration)
			}
			tls = &queryTLS
		case "authToken":
			if authToken == "" {
				authToken = value
			}
		default:
			return Endpoint{}, fmt.Errorf("%w: unsupported url query parameter %q", ErrConfiguration, key)
		}
	}

	ep := Endpoint{
		Authority: u.Host,
		Path:      u.EscapedPath(),
		AuthToken: authToken,
	}

	switch strings.ToLower(u.Scheme) {
	case "libsql":
		ep.TLS = tls == nil || *tls
		if ep.TLS {
			ep.Scheme = "wss"
		} else {
			ep.Scheme = "ws"
		}
	case "ws":
		if tls != nil && *tls {
			return Endpoint{}, fmt.Errorf("%w: a ws:// url cannot be used with tls enabled, use wss:// instead", ErrConfiguration)
		}
		ep.Scheme, ep.TLS = "ws", false
	case "wss":
		if tls != nil && !*tls {
			return Endpoint{}, fmt.Errorf("%w: a wss:// url cannot be used with tls disabled, use ws:// instead", ErrConfiguration)
		}
		ep.Scheme, ep.TLS = "wss", true
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported url scheme %q, only libsql:, wss: and ws: urls are supported", ErrConfiguration, u.Scheme)
	}

	return ep, nil
}

// Validate checks the whole configuration
func (c *ClientConfig) Validate() error {
	if _, err := c.Endpoint(); err != nil {
		return err
	}
	if c.RotationInterval < 0 {
		return fmt.Errorf("%w: rotation interval must not be negative", ErrConfiguration)
	}
	if c.RotationRetryDelay < 0 {
		return fmt.Errorf("%w: rotation retry delay must not be negative", ErrConfiguration)
	}
	if c.ConnectTimeoutSecond < 0 {
		return fmt.Errorf("%w: connect timeout must not be negative", ErrConfiguration)
	}
	if c.LogLevel != "" {
		if _, err := parseLogLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	return nil
}

// GetRotationInterval returns the rotation interval or its default
func (c *ClientConfig) GetRotationInterval() time.Duration {
	if c.RotationInterval <= 0 {
		return DefaultRotationInterval
	}
	return c.RotationInterval
}

// GetConnectTimeout returns the timeout for opening a connection or its default
func (c *ClientConfig) GetConnectTimeout() time.Duration {
	if c.ConnectTimeoutSecond <= 0 {
		return DefaultConnectTimeoutSecond * time.Second
	}
	return time.Duration(c.ConnectTimeoutSecond) * time.Second
}

// AuthTokenExpiry returns the expiration time of the auth token, if the token
// is a JWT carrying an exp claim. The signature is not verified, this is only
// used to warn about tokens that will be rejected by the server anyway.
func (c *ClientConfig) AuthTokenExpiry() (time.Time, bool) {
	if c.AuthToken == "" {
		return time.Time{}, false
	}
	token, _, err := jwt.NewParser().ParseUnverified(c.AuthToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Endpoint
	addSection("Endpoint")
	if ep, err := c.Endpoint(); err == nil {
		addField("URL", ep.URL())
		addField("TLS", fmt.Sprintf("%t", ep.TLS))
		addField("Auth Token", redact(ep.AuthToken))
	} else {
		addField("URL", c.URL)
		addField("Error", err.Error())
	}

	// Session manager
	addSection("Session Manager")
	addField("Rotation Interval", c.GetRotationInterval().String())
	addField("Rotation Retry Delay", c.RotationRetryDelay.String())
	addField("Connect Timeout", c.GetConnectTimeout().String())

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// redact hides secrets in the String() output
func redact(secret string) string {
	if secret == "" {
		return "<none>"
	}
	return "<redacted>"
}
