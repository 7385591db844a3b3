package exchange_account

// Credential keys as they appear in account files
const (
	CredentialAPIKey     = "api_key"
	CredentialSecret     = "api_secret"
	CredentialPassphrase = "passphrase"
)

// CredentialField represents a single credential field required by an exchange
type CredentialField struct {
	Name       string // Display name: "API Key", "Secret", "Passphrase"
	Key        string // Account file key
	IsRequired bool
}

// GetRequiredCredentials returns the credential fields a given exchange needs
func GetRequiredCredentials(exchange ExchangeType) []CredentialField {
	fields := []CredentialField{
		{Name: "API Key", Key: CredentialAPIKey, IsRequired: true},
		{Name: "Secret Key", Key: CredentialSecret, IsRequired: true},
	}

	switch exchange {
	case ExchangeOKX, ExchangeBitget:
		// Both sign with an extra API passphrase
		fields = append(fields, CredentialField{Name: "Passphrase", Key: CredentialPassphrase, IsRequired: true})
	}
	return fields
}
