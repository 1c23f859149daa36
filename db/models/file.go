package models

import (
	"time"

	"gorm.io/datatypes"
)

func init() {
	registerModel(&File{})
}

// File is the per-upload row of the chunk store. Length always equals the
// sum of the sizes of the upload's chunks.
type File struct {
	UID         string `gorm:"primaryKey;type:varchar(64)"`
	Length      int64
	ChunkSize   int64
	UploadDate  time.Time `gorm:"index"`
	ContentType string    `gorm:"type:varchar(255)"`
	Metadata    datatypes.JSONMap
}

func (File) TableName() string {
	return "files"
}
