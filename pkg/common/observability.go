package common

import (
	"os"

	"github.com/posthog/posthog-go"
)

var posthogClient posthog.Client

// TryInstrumentAppObservability initializes the PostHog client from the
// POSTHOG_API_KEY and POSTHOG_BASE_URL environment variables. Returns false
// when instrumentation is not configured or could not be set up.
func TryInstrumentAppObservability() bool {
	key := os.Getenv("POSTHOG_API_KEY")
	if key == "" {
		return false // If no API key is set, we skip instrumentation
	}

	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: os.Getenv("POSTHOG_BASE_URL")})
	if err != nil {
		return false // If we can't create the client, we just skip instrumentation
	}
	posthogClient = client
	return true
}

// FireObservabilityEvent enqueues an analytics event. It is a no-op when
// instrumentation is not enabled. Event properties must never contain key
// material, only provider names and outcome metadata.
func FireObservabilityEvent(userId, eventName string, properties map[string]any) error {
	if posthogClient == nil {
		return nil
	}

	if userId == "" {
		userId = "unknown"
	}

	return posthogClient.Enqueue(posthog.Capture{
		DistinctId: userId,
		Event:      eventName,
		Properties: properties,
	})
}

// ShutdownAppObservability flushes and closes the PostHog client.
func ShutdownAppObservability() {
	if posthogClient == nil {
		return
	}
	posthogClient.Close()
	posthogClient = nil
}
