package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/db"
)

// Preference says which channels a recipient accepts.
type Preference struct {
	InApp  bool
	Email  bool
	Source string
}

const (
	SourceSettings = "settings"
	SourceLegacy   = "legacy"
	SourceDefault  = "default"
)

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// resolvePreference reads the settings row first, then the legacy user
// flags, then falls back to everything enabled. The user record is returned
// for addressing even when settings decided the preference.
func (e *Engine) resolvePreference(ctx context.Context, userID uuid.UUID, log *zap.Logger) (Preference, *db.User) {
	user, err := e.prefs.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Warn("user lookup failed", zap.Error(err))
		}
		user = nil
	}

	settings, err := e.prefs.GetSettings(ctx, userID)
	switch {
	case err == nil && settings != nil:
		return Preference{
			InApp:  enabled(settings.InAppEnabled),
			Email:  enabled(settings.EmailEnabled),
			Source: SourceSettings,
		}, user
	case err != nil && !errors.Is(err, db.ErrNotFound):
		log.Warn("settings lookup failed, assuming notifications enabled", zap.Error(err))
		return Preference{InApp: true, Email: true, Source: SourceDefault}, user
	}

	if user != nil && (user.LegacyPush != nil || user.LegacyEmail != nil) {
		return Preference{
			InApp:  enabled(user.LegacyPush),
			Email:  enabled(user.LegacyEmail),
			Source: SourceLegacy,
		}, user
	}

	return Preference{InApp: true, Email: true, Source: SourceDefault}, user
}
