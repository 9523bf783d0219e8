package email

import "fmt"

// Config holds the mailboxes Parley can read. It is embedded in the
// top-level config under the "email" YAML key.
type Config struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-value fields: port 993, and TLS unless the
// port is the plaintext 143.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		imapCfg := &c.Accounts[i].IMAP
		if imapCfg.Port == 0 {
			imapCfg.Port = 993
		}
		if !imapCfg.TLS && imapCfg.Port != 143 {
			imapCfg.TLS = true
		}
	}
}

// Validate checks that the email configuration is internally consistent.
// Returns an error describing the first problem found.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("email.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}
	}
	return nil
}

// AccountConfig describes one mailbox. Name doubles as the account ID
// the model and the host's connection snapshot refer to.
type AccountConfig struct {
	Name string     `yaml:"name"`
	IMAP IMAPConfig `yaml:"imap"`
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`

	// Password supports ${ENV} expansion via the config loader.
	Password string `yaml:"password"`

	TLS bool `yaml:"tls"`
}
