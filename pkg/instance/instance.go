// Package instance names the running process in logs.
package instance

import (
	"os"

	"github.com/angelmondragon/shopbilling/pkg/env"
)

const fallbackID = "shopbilling-0"

// GetID prefers an explicit instance id, then the host name.
func GetID() string {
	if id := env.First("", "SHOPBILLING_INSTANCE_ID", "WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
