package store

// DirectoryToken is one remembered directory fingerprint. The token is
// whatever opaque change marker the source exposes for the directory
// (an ETag, a derived content hash); it is only ever compared for
// equality, never interpreted.
type DirectoryToken struct {
	ID             int64
	UserID         string
	DirectoryPath  string
	Token          string
	FileCount      int64
	TotalSizeBytes int64
	LastScannedAt  int64 // unix seconds
	CreatedAt      int64
	UpdatedAt      int64
}
