package config

import (
	"encoding/base64"
	"fmt"
)

const defaultMaxConnections = 1000

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	MaxConnections int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, maxConnections int) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if maxConnections < 0 {
		return nil, fmt.Errorf("max connections cannot be negative")
	}
	if maxConnections == 0 {
		maxConnections = defaultMaxConnections
	}

	// A signing key is optional: without one, connect tokens are not
	// required during the websocket handshake.
	var signingKey []byte
	if base64Secret != "" {
		var err error
		signingKey, err = decodeSigningSecret(base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		MaxConnections: maxConnections,
	}, nil
}
