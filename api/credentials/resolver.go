package credentials

import (
	"fmt"

	"caflz/api/model"
)

// Credentials identify the service principal and subscription a component
// is deployed with.
type Credentials struct {
	TenantID       string
	SubscriptionID string
	ClientID       string
	ClientSecret   string
}

// Env returns the process environment the azurerm provider reads.
func (c Credentials) Env() map[string]string {
	return map[string]string{
		"ARM_TENANT_ID":       c.TenantID,
		"ARM_SUBSCRIPTION_ID": c.SubscriptionID,
		"ARM_CLIENT_ID":       c.ClientID,
		"ARM_CLIENT_SECRET":   c.ClientSecret,
		"TF_IN_AUTOMATION":    "1",
		"TF_INPUT":            "0",
	}
}

// Decrypter turns a stored secret back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type Resolver struct {
	cipher Decrypter
}

func NewResolver(cipher Decrypter) *Resolver {
	return &Resolver{cipher: cipher}
}

// Resolve returns the credentials for one component of a customer. It never
// falls back to another subscription, and decryption failures are final.
func (r *Resolver) Resolve(c *model.Customer, component model.Component) (Credentials, error) {
	sub, err := SubscriptionFor(c, component)
	if err != nil {
		return Credentials{}, err
	}
	secret, err := r.cipher.Decrypt(c.ClientSecret)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: customer %s: %v", model.ErrSecretDecryptionFailed, c.ID, err)
	}
	return Credentials{
		TenantID:       c.TenantID,
		SubscriptionID: sub,
		ClientID:       c.ClientID,
		ClientSecret:   secret,
	}, nil
}

// SubscriptionFor looks up the subscription targeted by component.
func SubscriptionFor(c *model.Customer, component model.Component) (string, error) {
	comp, err := model.ParseComponent(string(component))
	if err != nil {
		return "", err
	}
	tgt, ok := c.Landscape.Target(comp)
	if !ok || tgt.SubscriptionID == "" {
		return "", fmt.Errorf("%w: customer %s has no subscription for %s", model.ErrSubscriptionNotConfigured, c.ID, comp)
	}
	return tgt.SubscriptionID, nil
}
