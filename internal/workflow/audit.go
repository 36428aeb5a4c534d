package workflow

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// Event is one audited workflow transition. Rejection comments live here so the requester
// can read them after the request node is gone.
type Event struct {
	ID               string `gorm:"column:event_id;primaryKey;size:64;not null" json:"id"`
	HandleID         string `gorm:"column:handle_id;size:64;not null;index:idx_workflow_events_handle,priority:1" json:"handle_id"`
	HandlePath       string `gorm:"column:handle_path;size:2048;not null" json:"handle_path"`
	Category         string `gorm:"column:category;size:190;not null;default:''" json:"category"`
	Operation        string `gorm:"column:operation;size:64;not null" json:"operation"`
	Actor            string `gorm:"column:actor;size:190;not null" json:"actor"`
	RequestType      string `gorm:"column:request_type;size:32;not null;default:''" json:"request_type,omitempty"`
	Requester        string `gorm:"column:requester;size:190;not null;default:''" json:"requester,omitempty"`
	Comment          string `gorm:"column:comment;type:text;not null;default:''" json:"comment,omitempty"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_workflow_events_handle,priority:2" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "workflow_events"
}

// Models lists the tables owned by the workflow package.
func Models() []any {
	return []any{&Event{}}
}

// record appends event to the session's next save so the audit row commits with the
// transition it describes.
func record(session *repository.Session, event Event) {
	session.OnSave(func(tx *gorm.DB) error {
		if event.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			event.ID = id.String()
		}
		return tx.Create(&event).Error
	})
}

// Events lists the audited transitions of a handle, oldest first.
func Events(ctx context.Context, db *gorm.DB, handleID string) ([]Event, error) {
	var events []Event
	err := db.WithContext(ctx).
		Where("handle_id = ?", handleID).
		Order("created_at_s ASC, event_id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
