package model

import (
	"fmt"
	"path"
	"strings"
)

// DeleteAllConfirmation must be passed verbatim to wipe the whole catalog.
const DeleteAllConfirmation = "yesiamsure"

// AllowedExtensions lists the media extensions a local file may carry.
var AllowedExtensions = []string{".mp3", ".wav", ".3gp", ".aac"}

// Sound is a downloadable audio asset tracked in the local catalog.
type Sound struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RemoteID       int64  `gorm:"column:remote_id;uniqueIndex:uq_sounds_remote_id;not null" json:"remoteId"`
	Name           string `gorm:"column:name;size:255" json:"name"`
	RemoteFileName string `gorm:"column:remote_file_name;size:255" json:"remoteFileName"`
	LocalFileName  string `gorm:"column:local_file_name;size:255" json:"localFileName,omitempty"`
	DownloadLink   string `gorm:"column:download_link;size:767" json:"downloadLink"`
	Downloaded     bool   `gorm:"column:downloaded;not null;default:false" json:"downloaded"`
	// Server-authoritative epoch seconds; the ORM must not stamp them.
	CreatedAt int64 `gorm:"column:created_at;autoCreateTime:false" json:"createdAt"`
	UpdatedAt int64 `gorm:"column:updated_at;autoUpdateTime:false" json:"updatedAt"`
}

// TableName returns the table name for Sound.
func (Sound) TableName() string {
	return "sounds"
}

// LocalFile returns the local file name when it carries an allowed media
// extension, "" otherwise.
func (s Sound) LocalFile() string {
	if s.LocalFileName == "" || !HasAllowedExtension(s.LocalFileName) {
		return ""
	}
	return s.LocalFileName
}

func (s Sound) String() string {
	return fmt.Sprintf("Sound{id: %d, remoteId: %d, name: %q, downloaded: %t, downloadLink: %s}",
		s.ID, s.RemoteID, s.Name, s.Downloaded, s.DownloadLink)
}

// HasAllowedExtension reports whether name ends in one of AllowedExtensions.
func HasAllowedExtension(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// RemoteSound is the change-feed representation of a sound.
type RemoteSound struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	FileName     string `json:"filename"`
	DownloadLink string `json:"download_link"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ToSound converts the descriptor into a new, not yet downloaded record.
func (r RemoteSound) ToSound() *Sound {
	return &Sound{
		RemoteID:       r.ID,
		Name:           r.Name,
		RemoteFileName: r.FileName,
		DownloadLink:   r.DownloadLink,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// Preference is a single persisted key/value setting, e.g. the sync watermark.
type Preference struct {
	Key   string `gorm:"column:pref_key;primaryKey;size:191"`
	Value string `gorm:"column:pref_value;size:255"`
}

// TableName returns the table name for Preference.
func (Preference) TableName() string {
	return "preferences"
}

// SchemaMeta records the catalog schema version.
type SchemaMeta struct {
	ID      int `gorm:"column:id;primaryKey"`
	Version int `gorm:"column:version;not null"`
}

// TableName returns the table name for SchemaMeta.
func (SchemaMeta) TableName() string {
	return "schema_meta"
}
