package models

func init() {
	registerModel(&Chunk{})
}

// Chunk holds one fixed-size block of an upload. All chunks of a file have
// exactly the file's chunk size except the last one, which may be shorter.
type Chunk struct {
	FilesID string `gorm:"primaryKey;type:varchar(64)"`
	N       int64  `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte `gorm:"type:mediumblob"`
}

func (Chunk) TableName() string {
	return "chunks"
}
