package endpoints

import "github.com/jackzampolin/spider/internal/api"

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		&HealthEndpoint{},
		&MetricsEndpoint{},

		// Session endpoints
		&ListSessionsEndpoint{},
		&OpenSessionEndpoint{},
		&GetSessionEndpoint{},
		&ReleaseHandleEndpoint{},
		&StartPageEndpoint{},

		// Page endpoints
		&RequestPageEndpoint{},
		&CancelPageEndpoint{},
		&PageImageEndpoint{},

		// Settings endpoints
		&ListSettingsEndpoint{},
		&GetSettingEndpoint{},
	}
}
