package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
)

var ErrCredentialsNotFound = errors.New("venue credentials not found")

// Client wraps the Vault API client
type Client struct {
	client *vault.Client
	mount  string
	logger *logrus.Entry
}

// Config holds Vault configuration
type Config struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"` // KV v2 mount, "secret" by default
}

// Credentials are the API keys of one venue
type Credentials struct {
	APIKey    string
	SecretKey string
	Extras    map[string]string
}

// NewClient creates a Vault client and checks that Vault is reachable and unsealed
func NewClient(config Config, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if config.Address == "" {
		config.Address = os.Getenv("VAULT_ADDR")
		if config.Address == "" {
			config.Address = "http://localhost:8200"
		}
	}
	if config.Token == "" {
		config.Token = os.Getenv("VAULT_TOKEN")
	}
	if config.Mount == "" {
		config.Mount = "secret"
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(config.Token)

	health, err := client.Sys().Health()
	if err != nil {
		return nil, fmt.Errorf("vault is not healthy: %w", err)
	}
	if health.Sealed {
		return nil, fmt.Errorf("vault is sealed")
	}

	log := logger.WithField("component", "vault")
	log.WithField("address", config.Address).Info("Connected to Vault")

	return &Client{client: client, mount: config.Mount, logger: log}, nil
}

// VenueCredentials reads the API keys stored for a venue
func (c *Client) VenueCredentials(ctx context.Context, venueID string) (Credentials, error) {
	path := fmt.Sprintf("%s/data/venues/%s", c.mount, venueID)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read keys for %s: %w", venueID, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("%w: %s", ErrCredentialsNotFound, venueID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("invalid secret format for %s", venueID)
	}

	creds := Credentials{Extras: make(map[string]string)}
	for k, v := range data {
		str, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "api_key":
			creds.APIKey = str
		case "secret_key":
			creds.SecretKey = str
		default:
			creds.Extras[k] = str
		}
	}
	if creds.APIKey == "" {
		return Credentials{}, fmt.Errorf("%w: %s has no api_key", ErrCredentialsNotFound, venueID)
	}

	c.logger.WithField("venue", venueID).Debug("Loaded venue credentials")
	return creds, nil
}
