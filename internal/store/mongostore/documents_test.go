package mongostore

import (
	"testing"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

func TestNewOrganizationDoc_KeepsTimestamps(t *testing.T) {
	created := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)

	doc := newOrganizationDoc(store.Organization{Name: "Acme", CreatedAt: created, UpdatedAt: updated})
	if !doc.CreatedAt.Equal(created) {
		t.Errorf("createdAt: got %v, want %v", doc.CreatedAt, created)
	}
	if !doc.UpdatedAt.Equal(updated) {
		t.Errorf("updatedAt: got %v, want %v", doc.UpdatedAt, updated)
	}

	org := doc.toOrganization()
	if !org.UpdatedAt.Equal(updated) {
		t.Errorf("round trip updatedAt: got %v, want %v", org.UpdatedAt, updated)
	}
	if !store.ParseOrgID(org.ID).Structured() {
		t.Errorf("expected structured id, got %q", org.ID)
	}
}
