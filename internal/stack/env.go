package stack

import (
	"sort"

	"github.com/storycraft/deploy/internal/provisioner/compiler"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

// EnvRefs are the values the service environment takes from other records.
type EnvRefs struct {
	BucketName any
	Database   any
	AuthURL    any
	AuthSecret any
}

// ReservedEnv lists the variables the stack always sets. Extra variables
// may not redefine them.
var ReservedEnv = []string{
	"GOOGLE_CLOUD_PROJECT",
	"GOOGLE_CLOUD_REGION",
	"FIRESTORE_DATABASE_ID",
	"GCS_BUCKET_NAME",
	"GCS_STORAGE_URI",
	"NODE_ENV",
	"NEXT_TELEMETRY_DISABLED",
	"AUTH_URL",
	"AUTH_SECRET",
	"AUTH_TRUST_HOST",
	"AUTH_GOOGLE_ID",
	"AUTH_GOOGLE_SECRET",
}

// ServiceEnv assembles the container environment: the fixed set first, in
// ReservedEnv order, then extras sorted by name.
func ServiceEnv(in Inputs, refs EnvRefs) ([]compiler.EnvVar, error) {
	values := map[string]any{
		"GOOGLE_CLOUD_PROJECT":    in.ProjectID,
		"GOOGLE_CLOUD_REGION":     in.Region,
		"FIRESTORE_DATABASE_ID":   refs.Database,
		"GCS_BUCKET_NAME":         refs.BucketName,
		"GCS_STORAGE_URI":         compiler.Format("gs://%s", refs.BucketName),
		"NODE_ENV":                "production",
		"NEXT_TELEMETRY_DISABLED": "1",
		"AUTH_URL":                refs.AuthURL,
		"AUTH_SECRET":             refs.AuthSecret,
		"AUTH_TRUST_HOST":         "true",
		"AUTH_GOOGLE_ID":          in.GoogleClientID,
		"AUTH_GOOGLE_SECRET":      compiler.Ref("var." + SecretVariable),
	}

	env := make([]compiler.EnvVar, 0, len(ReservedEnv)+len(in.ExtraEnv))
	for _, name := range ReservedEnv {
		env = append(env, compiler.EnvVar{Name: name, Value: values[name]})
	}

	keys := make([]string, 0, len(in.ExtraEnv))
	for k := range in.ExtraEnv {
		if _, reserved := values[k]; reserved {
			return nil, appErr.Newf(appErr.CodeInvalid, "extra env %s overrides a managed variable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, compiler.EnvVar{Name: k, Value: in.ExtraEnv[k]})
	}
	return env, nil
}
