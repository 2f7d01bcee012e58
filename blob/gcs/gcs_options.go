package gcs

// Options defines options for Google Cloud Storage-backed storage.
type Options struct {
	// BucketName is the name of the GCS bucket where archives are stored.
	BucketName string `json:"bucket"`

	// Prefix specifies additional string to prepend to all object names.
	Prefix string `json:"prefix,omitempty"`

	// ServiceAccountCredentialsFile specifies the name of the file with GCS
	// credentials. When empty, application-default credentials are used.
	ServiceAccountCredentialsFile string `json:"credentialsFile,omitempty"`
}
