package telemetry

import (
	"log/slog"

	"github.com/posthog/posthog-go"
)

// Event names.
const (
	EventEnvironmentProvisioned     = "environment_provisioned"
	EventEnvironmentProvisionFailed = "environment_provision_failed"
	EventExperimentDispatched       = "experiment_dispatched"
	EventVPNSessionOpened           = "vpn_session_opened"
	EventVPNSessionClosed           = "vpn_session_closed"
)

// Service defines the interface for telemetry operations.
type Service interface {
	Track(userID, event string, properties map[string]any)
	// GroupIdentify attaches properties to an environment.
	GroupIdentify(environmentID string, properties map[string]any)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(userID, event string, properties map[string]any)         {}
func (s *NoopService) GroupIdentify(environmentID string, properties map[string]any) {}
func (s *NoopService) Close()                                                        {}

type posthogService struct {
	client posthog.Client
}

// New creates a new telemetry service. Returns NoopService if apiKey is empty.
func New(apiKey, endpoint string) Service {
	if apiKey == "" {
		return &NoopService{}
	}

	if endpoint == "" {
		endpoint = "https://us.i.posthog.com"
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		return &NoopService{}
	}

	return &posthogService{client: client}
}

func toProperties(properties map[string]any) posthog.Properties {
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	return props
}

func (s *posthogService) Track(userID, event string, properties map[string]any) {
	if userID == "" {
		userID = "anonymous"
	}
	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: userID,
		Event:      event,
		Properties: toProperties(properties),
	})
}

func (s *posthogService) GroupIdentify(environmentID string, properties map[string]any) {
	_ = s.client.Enqueue(posthog.GroupIdentify{
		Type:       "environment",
		Key:        environmentID,
		Properties: toProperties(properties),
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
