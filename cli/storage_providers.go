package cli

import (
	// register storage providers.
	_ "github.com/cloudpg/cloudpg/blob/azure"
	_ "github.com/cloudpg/cloudpg/blob/gcs"
	_ "github.com/cloudpg/cloudpg/blob/s3"
)
