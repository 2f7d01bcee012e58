package azure

// Options defines options for Azure Blob Storage.
type Options struct {
	// Container is the name of the blob container where archives are stored.
	Container string `json:"container"`

	// Prefix specifies additional string to prepend to all object names.
	Prefix string `json:"prefix,omitempty"`

	// StorageAccount is the name of the storage account.
	StorageAccount string `json:"storageAccount"`

	// StorageKey authenticates with a shared key when set. When neither
	// StorageKey nor SASToken is set, the default Azure credential chain
	// is used.
	StorageKey string `json:"storageKey,omitempty"`

	// SASToken authenticates with a shared access signature when set.
	SASToken string `json:"sasToken,omitempty"`

	// StorageDomain overrides the default blob endpoint domain
	// (blob.core.windows.net).
	StorageDomain string `json:"storageDomain,omitempty"`
}
