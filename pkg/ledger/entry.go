package ledger

import "time"

// Entry records one file that reached the uploaded state.
type Entry struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Env         string    `gorm:"not null;uniqueIndex:idx_uploads_env_case_key" json:"env"`
	CaseUUID    string    `gorm:"not null;uniqueIndex:idx_uploads_env_case_key" json:"case_uuid"`
	Key         string    `gorm:"column:file_key;not null;uniqueIndex:idx_uploads_env_case_key" json:"key"`
	ObjectID    string    `json:"object_id"`
	ChecksumMD5 string    `json:"checksum_md5"`
	Bytes       int64     `json:"bytes"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// TableName implements gorm's Tabler.
func (Entry) TableName() string { return "uploads" }

// CaseTotals aggregates the entries of one case.
type CaseTotals struct {
	CaseUUID     string    `json:"case_uuid"`
	Files        int64     `json:"files"`
	Bytes        int64     `json:"bytes"`
	LastUploadAt time.Time `json:"last_upload_at"`
}
