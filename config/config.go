package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TokenConfig declares a token registered at first start, including its mint
// authority policy. MintThreshold > 0 marks the authority as a multi-signer
// construct over MintSigners.
type TokenConfig struct {
	Symbol        string   `toml:"Symbol"`
	Name          string   `toml:"Name"`
	Decimals      uint8    `toml:"Decimals"`
	MintAuthority string   `toml:"MintAuthority,omitempty"`
	MintSigners   []string `toml:"MintSigners,omitempty"`
	MintThreshold uint32   `toml:"MintThreshold,omitempty"`
}

type Config struct {
	RPCAddress     string        `toml:"RPCAddress"`
	MetricsAddress string        `toml:"MetricsAddress"`
	DataDir        string        `toml:"DataDir"`
	Database       string        `toml:"Database"`
	NetworkName    string        `toml:"NetworkName"`
	RentToken      string        `toml:"RentToken,omitempty"`
	RentDeposit    string        `toml:"RentDeposit,omitempty"`
	LogFile        string        `toml:"LogFile,omitempty"`
	LogMaxSizeMB   int           `toml:"LogMaxSizeMB,omitempty"`
	LogMaxBackups  int           `toml:"LogMaxBackups,omitempty"`
	LogMaxAgeDays  int           `toml:"LogMaxAgeDays,omitempty"`
	Tokens         []TokenConfig `toml:"tokens"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = "127.0.0.1:8661"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = "127.0.0.1:9661"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = "leveldb"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "tendervault-local"
	}
}

// Validate checks backend selection, rent policy and the token table.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database)) {
	case "leveldb", "bolt":
	default:
		return fmt.Errorf("config: unsupported database backend %q", c.Database)
	}
	if _, err := c.RentAmount(); err != nil {
		return err
	}
	if strings.TrimSpace(c.RentDeposit) != "" && strings.TrimSpace(c.RentToken) == "" {
		return fmt.Errorf("config: RentDeposit requires RentToken")
	}
	seen := make(map[string]struct{}, len(c.Tokens))
	for i := range c.Tokens {
		token := &c.Tokens[i]
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return fmt.Errorf("config: token %d: symbol is required", i)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("config: duplicate token %s", symbol)
		}
		seen[symbol] = struct{}{}
		if strings.TrimSpace(token.Name) == "" {
			return fmt.Errorf("config: token %s: name is required", symbol)
		}
		if token.MintAuthority != "" {
			if _, err := ParseAddress(token.MintAuthority); err != nil {
				return fmt.Errorf("config: token %s: %v", symbol, err)
			}
		}
		for _, signer := range token.MintSigners {
			if _, err := ParseAddress(signer); err != nil {
				return fmt.Errorf("config: token %s: %v", symbol, err)
			}
		}
		if token.MintThreshold > 0 {
			if token.MintAuthority == "" {
				return fmt.Errorf("config: token %s: multisig requires MintAuthority", symbol)
			}
			if int(token.MintThreshold) > len(token.MintSigners) {
				return fmt.Errorf("config: token %s: MintThreshold exceeds signer count", symbol)
			}
		}
	}
	return nil
}

// RentAmount parses the configured vault deposit, zero when unset.
func (c *Config) RentAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.RentDeposit)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid RentDeposit %q", c.RentDeposit)
	}
	return amount, nil
}

// ParseAddress decodes a 20-byte hex address with optional 0x prefix.
func ParseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %v", value, err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("invalid address %q: expected 20 bytes, got %d", value, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
