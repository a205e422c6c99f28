// Package merchantcfg loads per-merchant gateway credentials and receipt branding from YAML.
package merchantcfg

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type File struct {
	Merchants map[string]Merchant `yaml:"merchants"`
}

type Merchant struct {
	// Gateways is keyed by payment method kind ("card", "wallet", ...); "default" is the fallback.
	Gateways map[string]GatewayCredentials `yaml:"gateways"`
	Branding *Branding                     `yaml:"branding,omitempty"`
}

type GatewayCredentials struct {
	Gateway         string `yaml:"gateway" json:"gateway"`
	APIKey          string `yaml:"api_key" json:"-"`
	MerchantAccount string `yaml:"merchant_account" json:"merchant_account"`
}

type Branding struct {
	DisplayName  string `yaml:"display_name" json:"display_name"`
	PrimaryColor string `yaml:"primary_color" json:"primary_color"`
	AccentColor  string `yaml:"accent_color" json:"accent_color"`
	SupportEmail string `yaml:"support_email" json:"support_email"`
	Footer       string `yaml:"footer" json:"footer"`
}

func Load(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &File{Merchants: map[string]Merchant{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read merchant config: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse merchant config: %w", err)
	}
	if f.Merchants == nil {
		f.Merchants = map[string]Merchant{}
	}
	for id, m := range f.Merchants {
		for method, c := range m.Gateways {
			if strings.TrimSpace(c.Gateway) == "" {
				return nil, fmt.Errorf("merchant %s method %s: missing gateway", id, method)
			}
		}
	}
	return &f, nil
}

// Credentials returns the entry for method, falling back to the merchant's "default" entry.
func (f *File) Credentials(merchantID, method string) (GatewayCredentials, bool) {
	if f == nil {
		return GatewayCredentials{}, false
	}
	m, ok := f.Merchants[merchantID]
	if !ok {
		return GatewayCredentials{}, false
	}
	if c, ok := m.Gateways[strings.ToLower(method)]; ok {
		return c, true
	}
	c, ok := m.Gateways["default"]
	return c, ok
}

func (f *File) Branding(merchantID string) (*Branding, bool) {
	if f == nil {
		return nil, false
	}
	m, ok := f.Merchants[merchantID]
	if !ok || m.Branding == nil {
		return nil, false
	}
	return m.Branding, true
}
