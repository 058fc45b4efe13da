package models

import "time"

// NotificationPreferences are the per-account delivery switches.
// EmailNotifications acts as a master switch over the other flags.
type NotificationPreferences struct {
	AccountID          string    `json:"-" db:"account_id"`
	EmailNotifications bool      `json:"emailNotifications" db:"email_notifications"`
	SecurityAlerts     bool      `json:"securityAlerts" db:"security_alerts"`
	AccountActivity    bool      `json:"accountActivity" db:"account_activity"`
	NewDeviceLogins    bool      `json:"newDeviceLogins" db:"new_device_logins"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// DefaultNotificationPreferences applies when an account has never saved preferences.
func DefaultNotificationPreferences(accountID string) *NotificationPreferences {
	return &NotificationPreferences{
		AccountID:          accountID,
		EmailNotifications: true,
		SecurityAlerts:     true,
		AccountActivity:    true,
		NewDeviceLogins:    true,
	}
}

// PreferenceFlag selects one of the per-kind switches.
type PreferenceFlag string

const (
	FlagSecurityAlerts  PreferenceFlag = "securityAlerts"
	FlagAccountActivity PreferenceFlag = "accountActivity"
	FlagNewDeviceLogins PreferenceFlag = "newDeviceLogins"
)

// Allows reports whether a notification guarded by flag may be sent.
func (p *NotificationPreferences) Allows(flag PreferenceFlag) bool {
	if !p.EmailNotifications {
		return false
	}
	switch flag {
	case FlagSecurityAlerts:
		return p.SecurityAlerts
	case FlagAccountActivity:
		return p.AccountActivity
	case FlagNewDeviceLogins:
		return p.NewDeviceLogins
	}
	return false
}
