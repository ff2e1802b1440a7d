// Package credentials resolves Convex deploy keys.
//
// Keys are sourced in the following priority order:
//  1. Environment variable: CONVEX_DEPLOY_KEY_<DEPLOYMENT>, then CONVEX_DEPLOY_KEY
//  2. OS keyring, service "convexlogs", account = deployment name
//  3. The deploy_key value of the deployment's config entry
package credentials

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name used in OS keyring storage.
	KeyringService = "convexlogs"
	// EnvVarName is the environment variable holding a deploy key.
	EnvVarName = "CONVEX_DEPLOY_KEY"
)

var envUnsafe = regexp.MustCompile(`[^A-Z0-9_]`)

// Source indicates where a key was found.
type Source string

// Key sources
const (
	SourceEnv     Source = "environment variable"
	SourceKeyring Source = "keyring"
	SourceConfig  Source = "config file"
	SourceNone    Source = ""
)

// EnvVarFor returns the deployment specific environment variable name.
func EnvVarFor(deployment string) string {
	return EnvVarName + "_" + envUnsafe.ReplaceAllString(strings.ToUpper(deployment), "_")
}

// Lookup returns the deploy key for deployment and its source. configured is
// the value from the config file, used last. Returns SourceNone and "" when
// no key is available.
func Lookup(deployment, configured string) (Source, string) {
	if key := os.Getenv(EnvVarFor(deployment)); key != "" {
		return SourceEnv, key
	}
	if key := os.Getenv(EnvVarName); key != "" {
		return SourceEnv, key
	}

	if key, err := keyring.Get(KeyringService, deployment); err == nil && key != "" {
		return SourceKeyring, key
	}

	if key := strings.TrimSpace(configured); key != "" {
		return SourceConfig, key
	}

	return SourceNone, ""
}

// Store saves the deploy key for deployment in the OS keyring.
func Store(deployment, key string) error {
	if deployment == "" {
		return fmt.Errorf("deployment name is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("deploy key is empty")
	}
	if err := keyring.Set(KeyringService, deployment, key); err != nil {
		return fmt.Errorf("failed to store deploy key: %w", err)
	}
	return nil
}

// Delete removes the stored deploy key for deployment.
func Delete(deployment string) error {
	err := keyring.Delete(KeyringService, deployment)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("no stored deploy key for %q", deployment)
	}
	if err != nil {
		return fmt.Errorf("failed to delete deploy key: %w", err)
	}
	return nil
}
