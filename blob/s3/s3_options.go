package s3

// Options defines options for S3-compatible storage.
type Options struct {
	// BucketName is the name of the bucket where archives are stored.
	BucketName string `json:"bucket"`

	// Prefix specifies additional string to prepend to all object names.
	Prefix string `json:"prefix,omitempty"`

	// Endpoint is the S3 endpoint, without the scheme. Defaults to AWS.
	Endpoint string `json:"endpoint"`

	Region string `json:"region,omitempty"`

	// AccessKeyID and SecretAccessKey override the default credential chain
	// when both are set.
	AccessKeyID     string `json:"accessKeyID,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`

	DoNotUseTLS bool `json:"doNotUseTLS,omitempty"`
}
