package banner

import (
	"fmt"

	"dmsync/pkg/config"
)

const banner = `
██████╗ ███╗   ███╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔══██╗████╗ ████║██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║  ██║██╔████╔██║███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║  ██║██║╚██╔╝██║╚════██║  ╚██╔╝  ██║╚██╗██║██║
██████╔╝██║ ╚═╝ ██║███████║   ██║   ██║ ╚═╝ ██║╚██████╗
╚═════╝ ╚═╝     ╚═╝╚══════╝   ╚═╝   ╚═╝     ╚═╝ ╚═════╝
`

// Print renders the startup banner with the effective configuration.
func Print(cfg *config.Config, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:     %s\n", cfg.Addr())
	fmt.Printf("Cache:      %s (%s)\n", cfg.Cache.Path, cfg.Cache.Backend)
	if version != "" {
		fmt.Printf("Version:    %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:     %s\n", source)
	}

	fmt.Println("\n== Backend ====================================================")
	if cfg.Backend.ChannelURL != "" {
		fmt.Printf("- Channel:    %s\n", cfg.Backend.ChannelURL)
	} else {
		fmt.Println("- Channel:    not set (primary path disabled, fallback only)")
	}
	if cfg.Backend.ChangefeedURL != "" {
		fmt.Printf("- Changefeed: %s\n", cfg.Backend.ChangefeedURL)
	} else {
		fmt.Println("- Changefeed: not set")
	}
	switch {
	case cfg.Backend.PostgresDSN != "":
		fmt.Println("- Rows:       direct database")
	case cfg.Backend.BaseURL != "":
		fmt.Printf("- Rows:       %s\n", cfg.Backend.BaseURL)
	default:
		fmt.Println("- Rows:       MISSING (set backend.base_url or backend.postgres_dsn)")
	}
	if cfg.Backend.Token == "" && cfg.Backend.APIKey == "" {
		fmt.Println("- Auth:       MISSING (set backend.token or backend.api_key)")
	} else {
		fmt.Println("- Auth:       configured")
	}

	fmt.Println("\n== Sync =======================================================")
	fmt.Printf("- Page size:       %d\n", cfg.Sync.PageSize)
	fmt.Printf("- Send watchdog:   %s then %s, %d attempts\n",
		cfg.WatchdogFirst(), cfg.WatchdogNext(), cfg.Send.MaxAttempts)
	fmt.Printf("- Receipt poll:    %s\n", cfg.ReceiptPoll())
	fmt.Printf("- Read debounce:   %s\n", cfg.ReadDebounce())
	if cfg.Cache.RetentionCron != "" {
		fmt.Printf("- Cache sweep:     %s\n", cfg.Cache.RetentionCron)
	} else {
		fmt.Println("- Cache sweep:     disabled")
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Printf("GET http://localhost%s/healthz\n", portSuffix(cfg))
	fmt.Printf("GET http://localhost%s/metrics\n", portSuffix(cfg))
	fmt.Printf("GET http://localhost%s/debug/threads\n", portSuffix(cfg))

	fmt.Println("\n== Logs: ======================================================")
}

func portSuffix(cfg *config.Config) string {
	addr := cfg.Addr()
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return addr
}
