package models

import "time"

// Organization is the owning company of a document request, looked up by its
// tax ID so repeated submissions reuse the same row. Raw access credentials
// are never stored; only the bcrypt hash is.
type Organization struct {
	ID             int64     `db:"id"              json:"id"`
	Name           string    `db:"name"            json:"name"`
	TaxID          string    `db:"tax_id"          json:"tax_id"`
	Email          string    `db:"email"           json:"email"`
	CredentialHash string    `db:"credential_hash" json:"-"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// User is the person who submitted a request, scoped to an organization.
type User struct {
	ID             int64     `db:"id"              json:"id"`
	OrganizationID int64     `db:"organization_id" json:"organization_id"`
	Name           string    `db:"name"            json:"name"`
	Email          string    `db:"email"           json:"email"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
}
