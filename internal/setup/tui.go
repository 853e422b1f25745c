package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/presale/config"
	"github.com/vadiminshakov/presale/internal/domain"
)

// DefaultConfigFile is where the wizard writes its result.
const DefaultConfigFile = "config.gen.yaml"

const wizardTitle = "PRESALE CONFIG WIZARD"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers holds raw wizard input before it is turned into a config file.
type answers struct {
	rpcURL          string
	fallbackRPCURL  string
	contractAddress string
	tokenSymbol     string
	currency        string
	tokenDecimals   string
	minSupply       string
	refreshInterval string
	startBlock      string
	listenAddr      string
	tlsDomain       string
	apiToken        string
	quoteSource     string
	quotePair       string
}

func defaultAnswers() answers {
	return answers{
		tokenSymbol:     "TKN",
		currency:        "ETH",
		tokenDecimals:   "18",
		minSupply:       "20",
		refreshInterval: "30s",
		startBlock:      "0",
		listenAddr:      "127.0.0.1:8080",
		quoteSource:     config.QuoteSourceNone,
		quotePair:       "ETH_USDT",
	}
}

func step(title string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render(wizardTitle))
	fmt.Println(stepStyle.Render(title))
}

// RunTUI launches the terminal configuration wizard and returns the path of the written file.
// The private key is never written; it comes from the environment or an interactive prompt.
func RunTUI() (string, error) {
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render(wizardTitle))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Point the sync service at your sale contract.\n"))

	fmt.Println(stepStyle.Render("STEP 1: NETWORK"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("RPC URL").
				Description("JSON-RPC endpoint (http, https, ws or wss)").
				Value(&a.rpcURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Fallback RPC URL").
				Description("Optional, used when the primary endpoint is down").
				Value(&a.fallbackRPCURL).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateURL(s)
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 2: SALE CONTRACT")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Sale contract address").
				Value(&a.contractAddress).
				Validate(validateAddress),
			huh.NewInput().
				Title("Token symbol").
				Value(&a.tokenSymbol),
			huh.NewInput().
				Title("Native currency symbol").
				Value(&a.currency),
			huh.NewInput().
				Title("Token decimals").
				Value(&a.tokenDecimals).
				Validate(validateDecimals),
			huh.NewInput().
				Title("Start block").
				Description("First block scanned for purchase events").
				Value(&a.startBlock).
				Validate(validateUint),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 3: POLICY")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Minimum supply").
				Description("Buys are refused when the contract holds fewer tokens").
				Value(&a.minSupply).
				Validate(validateNonNegative),
			huh.NewInput().
				Title("Refresh interval").
				Description("Duration string (e.g. 15s, 30s, 1m)").
				Value(&a.refreshInterval).
				Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 4: SERVING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Keep 127.0.0.1 unless the dashboard must be reachable from other hosts").
				Value(&a.listenAddr),
			huh.NewInput().
				Title("API token").
				Description("Bearer token for buy and admin endpoints; leave empty to disable them").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiToken),
			huh.NewInput().
				Title("TLS domain").
				Description("Optional, enables HTTPS with an ACME certificate").
				Value(&a.tlsDomain),
			huh.NewSelect[string]().
				Title("USD quote source").
				Options(
					huh.NewOption("None", config.QuoteSourceNone),
					huh.NewOption("Binance", config.QuoteSourceBinance),
					huh.NewOption("Bybit", config.QuoteSourceBybit),
					huh.NewOption("Hyperliquid", config.QuoteSourceHyperliquid),
				).
				Value(&a.quoteSource),
			huh.NewInput().
				Title("Quote pair").
				Description("Must contain underscore (e.g. ETH_USDT)").
				Value(&a.quotePair).
				Validate(validatePair),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"RPC: %s\nContract: %s\nToken: %s (%s decimals)\nCurrency: %s\nRefresh: %s\nListen: %s\nQuotes: %s\n",
		a.rpcURL, a.contractAddress, a.tokenSymbol, a.tokenDecimals, a.currency, a.refreshInterval, a.listenAddr, a.quoteSource,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	tmp, err := a.configTmp()
	if err != nil {
		return "", err
	}
	if err := WriteConfig(DefaultConfigFile, tmp); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting sync...", DefaultConfigFile)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return DefaultConfigFile, nil
}

func (a answers) configTmp() (config.ConfigTmp, error) {
	refresh, err := time.ParseDuration(a.refreshInterval)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("invalid refresh interval: %w", err)
	}
	startBlock, err := strconv.ParseUint(a.startBlock, 10, 64)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("invalid start block: %w", err)
	}

	return config.ConfigTmp{
		RPCURL:          strings.TrimSpace(a.rpcURL),
		FallbackRPCURL:  strings.TrimSpace(a.fallbackRPCURL),
		ContractAddress: common.HexToAddress(a.contractAddress).Hex(),
		TokenSymbol:     a.tokenSymbol,
		Currency:        a.currency,
		TokenDecimals:   a.tokenDecimals,
		MinSupply:       a.minSupply,
		RefreshInterval: refresh,
		StartBlock:      startBlock,
		ListenAddr:      a.listenAddr,
		TLSDomain:       a.tlsDomain,
		APIToken:        strings.TrimSpace(a.apiToken),
		QuoteSource:     a.quoteSource,
		QuotePair:       strings.ToUpper(a.quotePair),
	}, nil
}

// WriteConfig stores tmp as YAML at path.
func WriteConfig(path string, tmp config.ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func validateURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("url cannot be empty")
	}
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(s, scheme) {
			return nil
		}
	}
	return fmt.Errorf("url must start with http(s):// or ws(s)://")
}

func validateAddress(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("must be a 0x-prefixed 20-byte hex address")
	}
	return nil
}

func validateDecimals(s string) error {
	if _, err := strconv.ParseUint(s, 10, 8); err != nil {
		return fmt.Errorf("must be an integer between 0 and 255")
	}
	return nil
}

func validateUint(s string) error {
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validateNonNegative(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validatePair(s string) error {
	if _, err := domain.ParsePair(s); err != nil {
		return fmt.Errorf("invalid format: must be BASE_QUOTE (e.g. ETH_USDT)")
	}
	return nil
}
