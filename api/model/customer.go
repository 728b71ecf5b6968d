package model

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type CustomerStatus string

const (
	CustomerCreated   CustomerStatus = "created"
	CustomerActive    CustomerStatus = "active"
	CustomerDestroyed CustomerStatus = "destroyed"
	CustomerDeleted   CustomerStatus = "deleted"
)

// Customer is the onboarded target environment. ClientSecret holds the
// encrypted service principal secret and is never serialized.
type Customer struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	TenantID     string         `json:"tenant_id"`
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"-"`
	Region       string         `json:"region,omitempty"`
	RegionCode   string         `json:"region_code,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Landscape    Landscape      `json:"landscape"`
	Status       CustomerStatus `json:"status"`
	DeployedAt   *time.Time     `json:"deployed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Landscape maps every component of a customer to its target subscription.
type Landscape struct {
	Management ComponentTarget            `json:"management" yaml:"management"`
	Hub        ComponentTarget            `json:"hub" yaml:"hub"`
	Spokes     map[string]ComponentTarget `json:"spokes,omitempty" yaml:"spokes,omitempty" validate:"dive,keys,spokename,endkeys"`
}

type ComponentTarget struct {
	SubscriptionID string         `json:"subscription_id" yaml:"subscription_id" validate:"omitempty,uuid"`
	Services       ServiceToggles `json:"services" yaml:"services"`
}

type ServiceToggles struct {
	KeyVault    bool `json:"key_vault" yaml:"key_vault"`
	Storage     bool `json:"storage" yaml:"storage"`
	SQL         bool `json:"sql" yaml:"sql"`
	AppService  bool `json:"app_service" yaml:"app_service"`
	AKS         bool `json:"aks" yaml:"aks"`
	DataFactory bool `json:"data_factory" yaml:"data_factory"`
	Firewall    bool `json:"firewall" yaml:"firewall"`
	Bastion     bool `json:"bastion" yaml:"bastion"`
}

// Target returns the declared target for c.
func (l Landscape) Target(c Component) (ComponentTarget, bool) {
	switch c {
	case ComponentManagement:
		return l.Management, true
	case ComponentHub:
		return l.Hub, true
	}
	name, ok := c.Spoke()
	if !ok {
		return ComponentTarget{}, false
	}
	t, ok := l.Spokes[name]
	return t, ok
}

// Components lists management, hub and the declared spokes in name order.
func (l Landscape) Components() []Component {
	out := []Component{ComponentManagement, ComponentHub}
	names := make([]string, 0, len(l.Spokes))
	for name := range l.Spokes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, SpokeComponent(name))
	}
	return out
}

// CustomerSpec is the onboarding document. ClientSecret is plaintext here.
type CustomerSpec struct {
	ID           string    `json:"id" yaml:"id" validate:"required,alphanum,lowercase,max=32"`
	Name         string    `json:"name" yaml:"name" validate:"required,max=100"`
	Email        string    `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,email"`
	Phone        string    `json:"phone,omitempty" yaml:"phone,omitempty" validate:"max=32"`
	TenantID     string    `json:"tenant_id" yaml:"tenant_id" validate:"required,uuid"`
	ClientID     string    `json:"client_id" yaml:"client_id" validate:"required,uuid"`
	ClientSecret string    `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Region       string    `json:"region,omitempty" yaml:"region,omitempty" validate:"max=50"`
	RegionCode   string    `json:"region_code,omitempty" yaml:"region_code,omitempty" validate:"max=10"`
	Environment  string    `json:"environment,omitempty" yaml:"environment,omitempty" validate:"max=20"`
	Landscape    Landscape `json:"landscape" yaml:"landscape"`
}

// DecodeCustomerSpec reads and validates a YAML (or JSON) onboarding
// document.
func DecodeCustomerSpec(r io.Reader) (*CustomerSpec, error) {
	spec, err := ReadCustomerSpec(r)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// ReadCustomerSpec decodes without validating, rejecting unknown keys.
func ReadCustomerSpec(r io.Reader) (*CustomerSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var spec CustomerSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty customer document", ErrInvalidArgument)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &spec, nil
}

func (s *CustomerSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// Apply copies the descriptive fields of s onto c. The secret is handled by
// the caller since it must be encrypted first.
func (s *CustomerSpec) Apply(c *Customer) {
	c.ID = s.ID
	c.Name = s.Name
	c.Email = s.Email
	c.Phone = s.Phone
	c.TenantID = s.TenantID
	c.ClientID = s.ClientID
	c.Region = s.Region
	c.RegionCode = s.RegionCode
	c.Environment = s.Environment
	c.Landscape = s.Landscape
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("spokename", func(fl validator.FieldLevel) bool {
		return ValidSpokeName(fl.Field().String())
	})
	return v
}
