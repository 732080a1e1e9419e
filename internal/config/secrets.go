package config

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.APISecret)
	redact(&out.Redis.Password)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices and maps are copied so the redacted value cannot alias the
	// original.
	out.Symbols = append([]string(nil), cfg.Symbols...)
	out.Oracle.Venues = append([]string(nil), cfg.Oracle.Venues...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Inventory.Targets = copyMap(cfg.Inventory.Targets)
	out.Paper.Balances = copyMap(cfg.Paper.Balances)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
