package app

import (
	"errors"
	"fmt"
	"strings"

	"autobc/internal/config"
)

// Mode selects which halves of the bot run in this process.
type Mode string

const (
	// ModePanel runs only the owner bot. Force commands still dispatch,
	// using their own send connections.
	ModePanel Mode = "panel"
	// ModeSender runs only the scheduler loop.
	ModeSender Mode = "sender"
	// ModeBoth runs both under one supervisor.
	ModeBoth Mode = "both"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return ModeBoth, nil
	case "panel", "bot":
		return ModePanel, nil
	case "sender", "ubot", "userbot":
		return ModeSender, nil
	}
	return "", fmt.Errorf("unknown mode %q (want panel, sender or both)", s)
}

func (m Mode) runsPanel() bool  { return m == ModePanel || m == ModeBoth }
func (m Mode) runsSender() bool { return m == ModeSender || m == ModeBoth }

// senderDriver returns the normalized sender driver name.
func senderDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Sender.Driver))
	if d == "" {
		return "mtproto"
	}
	return d
}

// needsBot reports whether the process needs the Bot API client: for the
// panel, for bot-driver sends, or for the Telegram log sink.
func needsBot(cfg *config.Config, mode Mode) bool {
	return mode.runsPanel() || senderDriver(cfg) == "bot" ||
		(cfg.Logging.Telegram.Enabled && cfg.Telegram.GroupLog != 0)
}

// validateForMode checks the settings the selected mode cannot start
// without. config.Validate covers everything mode independent.
func validateForMode(cfg *config.Config, mode Mode) error {
	var errs []error
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids (or OWNER_ID) is required"))
	}
	if needsBot(cfg, mode) && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token (or TOKEN) is required"))
	}
	if senderDriver(cfg) == "mtproto" {
		if cfg.Sender.APIID == 0 {
			errs = append(errs, errors.New("sender.api_id (or API_ID) is required for the mtproto sender"))
		}
		if strings.TrimSpace(cfg.Sender.APIHash) == "" {
			errs = append(errs, errors.New("sender.api_hash (or API_HASH) is required for the mtproto sender"))
		}
	}
	return errors.Join(errs...)
}
