package data

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

const SettingDoublePoints = "double_points_enabled"

// Setting returns the stored value for key and whether it exists.
func (d *Database) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.q.QueryRowContext(ctx,
		`SELECT setting_value FROM settings WHERE setting_key = $1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if nil != err {
		return "", false, errors.Wrap(err, "unable to get setting "+key)
	}
	return value, true, nil
}

func (d *Database) SetSetting(ctx context.Context, key, value string, now int64) error {
	_, err := d.exec(ctx, `
		INSERT INTO settings (setting_key, setting_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (setting_key) DO UPDATE SET
			setting_value = excluded.setting_value,
			updated_at = excluded.updated_at`,
		key, value, now,
	)
	return errors.Wrap(err, "unable to set setting "+key)
}
