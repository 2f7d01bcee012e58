package blob

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// CreateStorageFunc is a function that returns Storage pointed at the
// provided destination URL.
type CreateStorageFunc func(ctx context.Context, destination *url.URL) (Storage, error)

//nolint:gochecknoglobals
var (
	factories = map[string]CreateStorageFunc{}
	schemes   = map[string]string{}
)

// AddSupportedStorage registers a factory function to create storage for a
// given provider name and the URL schemes it claims.
func AddSupportedStorage(provider string, urlSchemes []string, create CreateStorageFunc) {
	factories[provider] = create

	for _, s := range urlSchemes {
		schemes[s] = provider
	}
}

// SupportedProviders returns the sorted names of all registered providers.
func SupportedProviders() []string {
	var result []string

	for k := range factories {
		result = append(result, k)
	}

	return result
}

// ErrUnsupportedDestination is returned when the destination URL or provider
// name does not match any registered storage provider.
var ErrUnsupportedDestination = errors.New("unsupported destination")

// IsUnsupportedDestination reports whether err indicates an unknown
// destination scheme or provider name.
func IsUnsupportedDestination(err error) bool {
	return errors.Is(err, ErrUnsupportedDestination)
}

// NewStorage creates storage for the given destination URL. When provider is
// empty, it is inferred from the URL scheme.
func NewStorage(ctx context.Context, destination, provider string) (Storage, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedDestination, "invalid destination URL %q: %v", destination, err)
	}

	if provider == "" {
		p, ok := schemes[strings.ToLower(u.Scheme)]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedDestination, "unsupported destination URL scheme %q", u.Scheme)
		}

		provider = p
	}

	factory, ok := factories[provider]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedDestination, "unknown cloud provider %q", provider)
	}

	return factory(ctx, u)
}
