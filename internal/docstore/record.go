package docstore

// DocumentRecord stores one document of the local store.
type DocumentRecord struct {
	CollectionPath  string `gorm:"column:collection_path;primaryKey;size:512;not null;index:idx_documents_collection"`
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	DataJSON        string `gorm:"column:data_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}
