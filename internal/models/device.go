package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// fingerprintLength is the number of hex characters kept from the digest.
const fingerprintLength = 32

// DeviceRecord is a device an account has confirmed at least once.
type DeviceRecord struct {
	AccountID   string    `json:"-" db:"account_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Label       string    `json:"label,omitempty" db:"label"`
	FirstSeen   time.Time `json:"firstSeen" db:"first_seen"`
	LastSeen    time.Time `json:"lastSeen" db:"last_seen"`
	Trusted     bool      `json:"trusted" db:"trusted"`
}

// PendingDeviceConfirmation is an open prompt asking the account holder about a new device.
// At most one exists per (AccountID, Fingerprint).
type PendingDeviceConfirmation struct {
	ID          string    `json:"id" db:"id"`
	AccountID   string    `json:"accountId" db:"account_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	OriginIP    string    `json:"originIp,omitempty" db:"origin_ip"`
	UserAgent   string    `json:"userAgent,omitempty" db:"user_agent"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt   time.Time `json:"expiresAt" db:"expires_at"`
}

// IsExpiredAt reports whether the confirmation window has closed.
func (p *PendingDeviceConfirmation) IsExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// DeviceIdentity is the result of looking a fingerprint up for an account.
// Device is nil when the fingerprint is unknown.
type DeviceIdentity struct {
	Known  bool
	Device *DeviceRecord
}

func (d *DeviceIdentity) Trusted() bool {
	return d.Known && d.Device != nil && d.Device.Trusted
}

// ConfirmationOutcome is returned after a pending confirmation is accepted.
type ConfirmationOutcome struct {
	Pending *PendingDeviceConfirmation
	Device  *DeviceRecord
}

// RequestOrigin describes where a login attempt came from.
type RequestOrigin struct {
	IP             string
	UserAgent      string
	ClientDeviceID string
}

// Fingerprint derives the stable device key from the origin.
func (o RequestOrigin) Fingerprint() string {
	return DeviceFingerprint(o.UserAgent, o.IP, o.ClientDeviceID)
}

// DeviceFingerprint hashes user agent, network origin and the client supplied id
// into a fixed length hex key.
func DeviceFingerprint(userAgent, networkOrigin, clientDeviceID string) string {
	data := strings.Join([]string{userAgent, networkOrigin, clientDeviceID}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])[:fingerprintLength]
}

// DeviceLabel produces a short human readable label from a user agent.
func DeviceLabel(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return "Unknown device"
	}
	if len(ua) > 120 {
		ua = ua[:120]
	}
	return ua
}
