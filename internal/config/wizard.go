package config

import (
	"fmt"
	"strconv"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard and returns the
// resulting Config. It also saves the config to the given path.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Let's configure the decision-step audit pipeline.")
	fmt.Println()

	cfg := DefaultConfig()

	httpPort, err := promptInt("HTTP port for the ingestion API", cfg.HTTPPort)
	if err != nil {
		return nil, fmt.Errorf("http port: %w", err)
	}
	cfg.HTTPPort = httpPort

	notifierPort, err := promptInt("Port for the websocket notifier", cfg.NotifierPort)
	if err != nil {
		return nil, fmt.Errorf("notifier port: %w", err)
	}
	cfg.NotifierPort = notifierPort

	storeEndpoint, err := (&promptui.Prompt{Label: "Store/bus sqlite file", Default: cfg.StoreEndpoint}).Run()
	if err != nil {
		return nil, fmt.Errorf("store endpoint: %w", err)
	}
	cfg.StoreEndpoint = storeEndpoint
	cfg.BusEndpoint = storeEndpoint

	tierPrompt := promptui.Select{
		Label: "Retention tiering",
		Items: []string{
			"standard — hot 30d, warm 365d (default)",
			"short    — hot 7d,  warm 90d",
			"long     — hot 90d, warm 1095d",
		},
	}
	tierIdx, _, err := tierPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("retention tier selection: %w", err)
	}
	switch tierIdx {
	case 1:
		cfg.Retention = RetentionConfig{HotDays: 7, WarmDays: 90}
	case 2:
		cfg.Retention = RetentionConfig{HotDays: 90, WarmDays: 1095}
	default:
		cfg.Retention = RetentionConfig{HotDays: 30, WarmDays: 365}
	}

	secretPrompt := promptui.Prompt{Label: "Bearer token signing secret (blank to leave unset)", Mask: '*'}
	secret, err := secretPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	cfg.TokenSecret = secret

	allowAllPrompt := promptui.Select{
		Label: "Allow all CORS origins (dev mode)",
		Items: []string{"no", "yes"},
	}
	allowAllIdx, _, err := allowAllPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("cors selection: %w", err)
	}
	cfg.AllowAllOrigins = allowAllIdx == 1

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating wizard-produced config: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return cfg, nil
}

func promptInt(label string, def int) (int, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(def),
		Validate: func(s string) error {
			_, err := strconv.Atoi(s)
			return err
		},
	}
	s, err := p.Run()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}
