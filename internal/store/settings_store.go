package store

import (
	"context"

	"coinledger/internal/models"
)

// SettingsStore holds per-payee rate configuration. The engine only reads it;
// payees write it through the settings endpoint.
type SettingsStore struct {
	db DB
}

func NewSettingsStore(db DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, userID string) (models.CreatorSettings, error) {
	var row models.CreatorSettings
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, video_call_enabled, video_call_rate, voice_call_enabled, voice_call_rate,
		       ai_session_enabled, ai_session_rate, minimum_minutes
		FROM creator_settings
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return models.CreatorSettings{}, err
	}
	return row, nil
}

// CreateDefault inserts settings only when the payee has none, then returns
// whatever row is stored.
func (s *SettingsStore) CreateDefault(ctx context.Context, defaults models.CreatorSettings) (models.CreatorSettings, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO creator_settings (user_id, video_call_enabled, video_call_rate, voice_call_enabled,
		                              voice_call_rate, ai_session_enabled, ai_session_rate, minimum_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING
	`, defaults.UserID, defaults.VideoCallEnabled, defaults.VideoCallRate, defaults.VoiceCallEnabled,
		defaults.VoiceCallRate, defaults.AISessionEnabled, defaults.AISessionRate, defaults.MinimumMinutes); err != nil {
		return models.CreatorSettings{}, err
	}
	return s.Get(ctx, defaults.UserID)
}

func (s *SettingsStore) Upsert(ctx context.Context, tx Execer, settings models.CreatorSettings) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO creator_settings (user_id, video_call_enabled, video_call_rate, voice_call_enabled,
		                              voice_call_rate, ai_session_enabled, ai_session_rate, minimum_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE
		SET video_call_enabled = EXCLUDED.video_call_enabled,
		    video_call_rate = EXCLUDED.video_call_rate,
		    voice_call_enabled = EXCLUDED.voice_call_enabled,
		    voice_call_rate = EXCLUDED.voice_call_rate,
		    ai_session_enabled = EXCLUDED.ai_session_enabled,
		    ai_session_rate = EXCLUDED.ai_session_rate,
		    minimum_minutes = EXCLUDED.minimum_minutes,
		    updated_at = NOW()
	`, settings.UserID, settings.VideoCallEnabled, settings.VideoCallRate, settings.VoiceCallEnabled,
		settings.VoiceCallRate, settings.AISessionEnabled, settings.AISessionRate, settings.MinimumMinutes)
	return err
}
