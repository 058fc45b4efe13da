package models

import "time"

// ComplaintSummary is the slice of portal complaint data included in a data export.
type ComplaintSummary struct {
	Total      int                  `json:"total"`
	ByStatus   map[string]int       `json:"byStatus"`
	Complaints []*ComplaintOverview `json:"complaints"`
}

// ComplaintOverview is one complaint filed by the account.
type ComplaintOverview struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Status    string              `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
	Comments  []*ComplaintComment `json:"comments"`
}

// ComplaintComment carries a body only when written by the exporting account.
type ComplaintComment struct {
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DataExportBundle is everything held about an account, assembled for the account holder.
type DataExportBundle struct {
	Profile           *AccountProfile          `json:"profile"`
	ComplaintsSummary *ComplaintSummary        `json:"complaintsSummary"`
	SecurityEvents    []*SecurityEvent         `json:"securityEvents"`
	Devices           []*DeviceRecord          `json:"devices"`
	Preferences       *NotificationPreferences `json:"preferences"`
	ExportedAt        time.Time                `json:"exportedAt"`
}

// DeletionReport summarises what a deletion request changed.
type DeletionReport struct {
	AccountID        string `json:"accountId"`
	AlreadyDeleted   bool   `json:"alreadyDeleted"`
	AnonymizedEvents int64  `json:"anonymizedEvents"`
	DeletedEvents    int64  `json:"deletedEvents"`
	DeletedDevices   int64  `json:"deletedDevices"`
	RetainedByPolicy bool   `json:"retainedByPolicy"`
}
