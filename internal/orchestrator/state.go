package orchestrator

type State string

const (
	Idle              State = "idle"
	StartingBackend   State = "starting_backend"
	ProvisioningModel State = "provisioning_model"
	StartingAppServer State = "starting_app_server"
	Running           State = "running"
	Stopping          State = "stopping"
)

var stateNames = []string{
	string(Idle), string(StartingBackend), string(ProvisioningModel),
	string(StartingAppServer), string(Running), string(Stopping),
}
