package repositories

import (
	"context"
	"fmt"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

// ComplaintRepository reads the portal's complaint tables for data exports.
type ComplaintRepository struct {
	db *database.DB
}

func NewComplaintRepository(db *database.DB) *ComplaintRepository {
	return &ComplaintRepository{db: db}
}

// SummaryForAccount returns the complaints filed by the account with all their comments.
// Comment bodies are returned as stored; callers decide what to redact.
func (r *ComplaintRepository) SummaryForAccount(ctx context.Context, accountID string) (*models.ComplaintSummary, error) {
	summary := &models.ComplaintSummary{
		ByStatus:   map[string]int{},
		Complaints: make([]*models.ComplaintOverview, 0),
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, title, status, created_at FROM complaints
		WHERE reporter_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	byID := make(map[string]*models.ComplaintOverview)
	for rows.Next() {
		c := &models.ComplaintOverview{Comments: make([]*models.ComplaintComment, 0)}
		if err := rows.Scan(&c.ID, &c.Title, &c.Status, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan complaint: %w", err)
		}
		summary.Complaints = append(summary.Complaints, c)
		summary.ByStatus[c.Status]++
		byID[c.ID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	summary.Total = len(summary.Complaints)
	if summary.Total == 0 {
		return summary, nil
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT cc.complaint_id, cc.author_id, cc.body, cc.created_at
		FROM complaint_comments cc
		JOIN complaints c ON c.id = cc.complaint_id
		WHERE c.reporter_id = $1
		ORDER BY cc.created_at ASC
	`, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var complaintID string
		comment := &models.ComplaintComment{}
		if err := rows.Scan(&complaintID, &comment.AuthorID, &comment.Body, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan complaint comment: %w", err)
		}
		if c, ok := byID[complaintID]; ok {
			c.Comments = append(c.Comments, comment)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return summary, nil
}
