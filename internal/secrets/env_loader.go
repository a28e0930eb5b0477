package secrets

import "os"

// EnvLoader returns a Loader sourcing secrets from environment variables,
// the usual source in container deployments. Unset variables are omitted
// from the result rather than reported as errors.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
