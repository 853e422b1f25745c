// Package config loads the presale service configuration from a YAML file or CLI flags,
// with environment variables (optionally from a .env file) taking precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/presale/internal/domain"
)

// Quote sources.
const (
	QuoteSourceNone        = "none"
	QuoteSourceBinance     = "binance"
	QuoteSourceBybit       = "bybit"
	QuoteSourceHyperliquid = "hyperliquid"
)

const (
	defaultTokenSymbol     = "TKN"
	defaultCurrency        = "ETH"
	defaultTokenDecimals   = 18
	defaultMinSupply       = "20"
	defaultRefreshInterval = 30 * time.Second
	defaultEventWindow     = 5000
	defaultWALDir          = "./wal/transactions"
	defaultListenAddr      = "127.0.0.1:8080"
	defaultQuotePair       = "ETH_USDT"
)

// Environment variables overriding file and flag values.
const (
	EnvRPCURL          = "PRESALE_RPC_URL"
	EnvFallbackRPCURL  = "PRESALE_FALLBACK_RPC_URL"
	EnvContractAddress = "PRESALE_CONTRACT_ADDRESS"
	EnvPrivateKey      = "PRESALE_PRIVATE_KEY"
	EnvTokenSymbol     = "PRESALE_TOKEN_SYMBOL"
	EnvCurrency        = "PRESALE_CURRENCY"
	EnvTokenDecimals   = "PRESALE_TOKEN_DECIMALS"
	EnvListenAddr      = "PRESALE_LISTEN_ADDR"
	EnvAPIToken        = "PRESALE_API_TOKEN"
)

type Config struct {
	RPCURL          string
	FallbackRPCURL  string
	ContractAddress common.Address
	PrivateKey      string
	TokenSymbol     string
	Currency        string
	TokenDecimals   int32
	MinSupply       decimal.Decimal
	RefreshInterval time.Duration
	EventWindow     uint64
	StartBlock      uint64
	WALDir          string
	ListenAddr      string
	TLSDomain       string
	// APIToken is the bearer token required by mutating HTTP endpoints. Empty disables them.
	APIToken    string
	QuoteSource string
	QuotePair   domain.Pair
}

// ConfigTmp is the on-disk YAML shape. Numbers that need exact parsing are kept as strings.
type ConfigTmp struct {
	RPCURL          string        `yaml:"rpc_url"`
	FallbackRPCURL  string        `yaml:"fallback_rpc_url,omitempty"`
	ContractAddress string        `yaml:"contract_address"`
	PrivateKey      string        `yaml:"private_key,omitempty"`
	TokenSymbol     string        `yaml:"token_symbol,omitempty"`
	Currency        string        `yaml:"currency,omitempty"`
	TokenDecimals   string        `yaml:"token_decimals,omitempty"`
	MinSupply       string        `yaml:"min_supply,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
	EventWindow     uint64        `yaml:"event_window,omitempty"`
	StartBlock      uint64        `yaml:"start_block,omitempty"`
	WALDir          string        `yaml:"wal_dir,omitempty"`
	ListenAddr      string        `yaml:"listen_addr,omitempty"`
	TLSDomain       string        `yaml:"tls_domain,omitempty"`
	APIToken        string        `yaml:"api_token,omitempty"`
	QuoteSource     string        `yaml:"quote_source,omitempty"`
	QuotePair       string        `yaml:"quote_pair,omitempty"`
}

// Get reads .env (if present) into the process environment, then builds the config from args.
func Get(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "load .env")
	}
	return Load(args, os.Getenv)
}

// Load builds a Config from args and getenv. With --config the YAML file is used,
// otherwise individual flags are.
func Load(args []string, getenv func(string) string) (Config, error) {
	fs := flag.NewFlagSet("presale", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to yaml config")
	rpcURL := fs.String("rpc", "", "JSON-RPC endpoint of the chain node")
	fallbackURL := fs.String("fallback-rpc", "", "JSON-RPC endpoint used when --rpc is unreachable")
	contract := fs.String("contract", "", "sale contract address")
	symbol := fs.String("token-symbol", defaultTokenSymbol, "sale token symbol")
	currency := fs.String("currency", defaultCurrency, "native currency symbol")
	decimals := fs.String("token-decimals", strconv.Itoa(defaultTokenDecimals), "sale token decimals")
	minSupply := fs.String("min-supply", defaultMinSupply, "sale-token balance below which buys are refused")
	refresh := fs.Duration("refresh-interval", defaultRefreshInterval, "contract state refresh interval")
	window := fs.Uint64("event-window", defaultEventWindow, "blocks per event query")
	startBlock := fs.Uint64("start-block", 0, "first block scanned for sale events")
	walDir := fs.String("wal-dir", defaultWALDir, "local transaction cache directory")
	listen := fs.String("listen", defaultListenAddr, "HTTP listen address")
	tlsDomain := fs.String("tls-domain", "", "serve HTTPS with an ACME certificate for this domain")
	apiToken := fs.String("api-token", "", "bearer token required by buy and admin endpoints")
	quoteSource := fs.String("quote-source", QuoteSourceNone, "USD quote source: none, binance, bybit, hyperliquid")
	quotePair := fs.String("quote-pair", defaultQuotePair, "market pair used for USD quotes, e.g. ETH_USDT")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			return Config{}, errors.Wrap(err, "parse yaml config")
		}
	} else {
		tmp = ConfigTmp{
			RPCURL:          *rpcURL,
			FallbackRPCURL:  *fallbackURL,
			ContractAddress: *contract,
			TokenSymbol:     *symbol,
			Currency:        *currency,
			TokenDecimals:   *decimals,
			MinSupply:       *minSupply,
			RefreshInterval: *refresh,
			EventWindow:     *window,
			StartBlock:      *startBlock,
			WALDir:          *walDir,
			ListenAddr:      *listen,
			TLSDomain:       *tlsDomain,
			APIToken:        *apiToken,
			QuoteSource:     *quoteSource,
			QuotePair:       *quotePair,
		}
	}

	applyEnv(&tmp, getenv)
	return tmp.build()
}

func applyEnv(tmp *ConfigTmp, getenv func(string) string) {
	overrides := map[string]*string{
		EnvRPCURL:          &tmp.RPCURL,
		EnvFallbackRPCURL:  &tmp.FallbackRPCURL,
		EnvContractAddress: &tmp.ContractAddress,
		EnvPrivateKey:      &tmp.PrivateKey,
		EnvTokenSymbol:     &tmp.TokenSymbol,
		EnvCurrency:        &tmp.Currency,
		EnvTokenDecimals:   &tmp.TokenDecimals,
		EnvListenAddr:      &tmp.ListenAddr,
		EnvAPIToken:        &tmp.APIToken,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
}

func (c ConfigTmp) build() (Config, error) {
	if c.RPCURL == "" && c.FallbackRPCURL == "" {
		return Config{}, fmt.Errorf("rpc url is required (--rpc, rpc_url or %s)", EnvRPCURL)
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return Config{}, fmt.Errorf("incorrect 'contract_address' param: %q", c.ContractAddress)
	}

	cfg := Config{
		RPCURL:          c.RPCURL,
		FallbackRPCURL:  c.FallbackRPCURL,
		ContractAddress: common.HexToAddress(c.ContractAddress),
		PrivateKey:      c.PrivateKey,
		TokenSymbol:     orDefault(c.TokenSymbol, defaultTokenSymbol),
		Currency:        orDefault(c.Currency, defaultCurrency),
		TokenDecimals:   defaultTokenDecimals,
		RefreshInterval: c.RefreshInterval,
		EventWindow:     c.EventWindow,
		StartBlock:      c.StartBlock,
		WALDir:          orDefault(c.WALDir, defaultWALDir),
		ListenAddr:      orDefault(c.ListenAddr, defaultListenAddr),
		TLSDomain:       c.TLSDomain,
		APIToken:        strings.TrimSpace(c.APIToken),
		QuoteSource:     strings.ToLower(orDefault(c.QuoteSource, QuoteSourceNone)),
	}

	if c.TokenDecimals != "" {
		d, err := strconv.ParseUint(c.TokenDecimals, 10, 8)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'token_decimals' param (must be 0-255), error: %w", err)
		}
		cfg.TokenDecimals = int32(d)
	}

	minSupply, err := decimal.NewFromString(orDefault(c.MinSupply, defaultMinSupply))
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'min_supply' param (must be a decimal), error: %w", err)
	}
	if minSupply.IsNegative() {
		return Config{}, fmt.Errorf("'min_supply' must not be negative")
	}
	cfg.MinSupply = minSupply

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.EventWindow == 0 {
		cfg.EventWindow = defaultEventWindow
	}

	switch cfg.QuoteSource {
	case QuoteSourceNone, QuoteSourceBinance, QuoteSourceBybit, QuoteSourceHyperliquid:
	default:
		return Config{}, fmt.Errorf("unsupported quote_source %q", cfg.QuoteSource)
	}

	pair, err := domain.ParsePair(orDefault(c.QuotePair, defaultQuotePair))
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'quote_pair' param, error: %w", err)
	}
	cfg.QuotePair = pair

	return cfg, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// ReadOnly reports whether no signing key is configured.
func (c Config) ReadOnly() bool {
	return c.PrivateKey == ""
}
