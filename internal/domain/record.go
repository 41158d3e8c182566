package domain

import "time"

// Record is the shared shape for both entity kinds. Status is only
// meaningful for todos; notes always leave it empty. version starts at
// 1 and strictly increases on every mutation, including soft-delete and
// conflict resolution (I1).
type Record struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Title     string     `json:"title"`
	Content   *string    `json:"content,omitempty"`
	Status    Status     `json:"status,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt"`
}

// IsTombstone reports whether the record has been soft-deleted (I2).
func (r *Record) IsTombstone() bool {
	return r != nil && r.DeletedAt != nil
}

// MutableFields carries the subset of Record fields a CREATE or UPDATE
// operation may set. A nil pointer means "leave unchanged" on UPDATE;
// on CREATE every non-nil field is applied and Status/Content default
// to their zero values when absent.
type MutableFields struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
	Status  *Status `json:"status,omitempty"`
}

func (f MutableFields) Apply(r *Record) {
	if f.Title != nil {
		r.Title = *f.Title
	}
	if f.Content != nil {
		r.Content = f.Content
	}
	if f.Status != nil {
		r.Status = *f.Status
	}
}
