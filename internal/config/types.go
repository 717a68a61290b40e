package config

// Config is the top-level tether configuration, loaded from config.yaml.
type Config struct {
	// Server configures the HTTP server hosting the OAuth callback.
	Server ServerConfig `yaml:"server"`

	// Store configures token and state persistence.
	Store StoreConfig `yaml:"store"`

	// OAuth configures the OAuth client subsystem.
	OAuth OAuthConfig `yaml:"oauth"`

	// Integrations lists the remote integrations users can connect.
	Integrations []IntegrationConfig `yaml:"integrations"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicBaseURL is the externally reachable base URL of this
	// deployment, used to build the OAuth redirect URI.
	PublicBaseURL string `yaml:"publicBaseURL"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Type selects the backend: "memory" or "redis".
	Type string `yaml:"type"`

	Redis RedisConfig `yaml:"redis"`

	// EncryptionKey is a base64-encoded 32-byte AES key for token
	// encryption at rest. Empty disables encryption.
	EncryptionKey string `yaml:"encryptionKey"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// OAuthConfig configures the OAuth client subsystem.
type OAuthConfig struct {
	// CallbackPath is the path of the authorization callback endpoint.
	CallbackPath string `yaml:"callbackPath"`

	// ClientName identifies this deployment in registration requests.
	ClientName string `yaml:"clientName"`

	// ClientURI is the homepage sent with registration requests.
	ClientURI string `yaml:"clientURI"`

	// ClientMetadataURL is the published client metadata document used as
	// client_id with servers that support it.
	ClientMetadataURL string `yaml:"clientMetadataURL"`

	// AllowInsecureLocalhost permits plain-HTTP endpoints on localhost.
	// Development only.
	AllowInsecureLocalhost bool `yaml:"allowInsecureLocalhost"`
}

// IntegrationConfig describes one connectable remote integration.
type IntegrationConfig struct {
	// ID is the stable integration identifier.
	ID string `yaml:"id"`

	// ServerURL is the integration's server endpoint.
	ServerURL string `yaml:"serverURL"`

	// Scopes are the default scopes requested on connect.
	Scopes []string `yaml:"scopes,omitempty"`

	// ClientID and ClientSecret configure a statically registered client.
	// When set, dynamic registration is skipped for this integration.
	ClientID     string `yaml:"clientID,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`

	// NoAuth marks a server that requires no authorization. Connecting
	// records the integration as connected without an OAuth flow.
	NoAuth bool `yaml:"noAuth,omitempty"`
}
