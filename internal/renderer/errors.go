package renderer

import "fmt"

// UnsupportedServiceError is returned when an action targets a service the
// device did not advertise. No request is sent in that case.
type UnsupportedServiceError struct {
	Device  string
	Service string
	Action  string
}

func (e *UnsupportedServiceError) Error() string {
	return fmt.Sprintf("device %s has no %s service for %s", e.Device, e.Service, e.Action)
}
