// Package config holds the options the core recognizes (spec §6). It does
// no CLI flag or environment-variable parsing — wiring a Config from a
// process's environment is a collaborator's job, not the core's.
package config

// Backend selects which storage implementation a Config targets.
type Backend string

const (
	BackendFile       Backend = "file"
	BackendRelational Backend = "relational"
	BackendBlob       Backend = "blob"
)

// Config is the full set of options the core recognizes.
type Config struct {
	Backend              Backend
	BackendURL           string
	TenantID             string
	EncryptionPassphrase string
	PoolMax              int
	MergeBaseDepthLimit  int
	LogLimitDefault      int
	CompressThresholdBytes int64
	SQSNotifyURL         string
}

// DefaultConfig returns a Config with every numeric/limit field set to the
// defaults spec §6 and §4.3 name, for a given tenant and backend.
func DefaultConfig(tenantID string, backend Backend, backendURL string) Config {
	return Config{
		Backend:                backend,
		BackendURL:             backendURL,
		TenantID:               tenantID,
		PoolMax:                16,
		MergeBaseDepthLimit:    10000,
		LogLimitDefault:        50,
		CompressThresholdBytes: 1024,
	}
}

// EncryptionEnabled reports whether a passphrase was supplied for this
// tenant.
func (c Config) EncryptionEnabled() bool {
	return c.EncryptionPassphrase != ""
}
