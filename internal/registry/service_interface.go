package registry

// Service is the interface for all plug-in services
type Service interface {
	Start() error
	Stop() error
}

// Pausable is implemented by services that release resources while the screen is hidden.
type Pausable interface {
	Pause()
	Resume()
}
